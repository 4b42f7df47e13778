package store

import (
	"fmt"
	"strings"
	"testing"
)

// The embedding column width is declared both in the migration and as
// EmbedVectorDim for boot-time validation; the two must not drift.
func TestEmbeddingColumnMatchesDeclaredDim(t *testing.T) {
	content, err := migrationFiles.ReadFile("migrations/0005_transcripts.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	want := fmt.Sprintf("vector(%d)", EmbedVectorDim)
	if !strings.Contains(string(content), want) {
		t.Fatalf("transcripts migration does not declare %s", want)
	}
}
