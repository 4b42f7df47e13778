package chunk

import (
	"strings"

	"vodnotes/internal/models"
)

// DefaultMaxChars keeps a chunk around 800-1200 tokens for typical English.
const DefaultMaxChars = 4000

// Build packs ordered transcript segments into contiguous chunks of at most
// maxChars characters. Chunk indexes are contiguous from zero; time bounds
// cover the first through last segment packed into the chunk.
func Build(segments []models.TranscriptSegment, maxChars int) []models.TranscriptChunk {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	var chunks []models.TranscriptChunk
	var texts []string
	var startSeconds, endSeconds float64
	length := 0
	open := false

	flush := func() {
		if !open {
			return
		}
		chunks = append(chunks, models.TranscriptChunk{
			Idx:          len(chunks),
			StartSeconds: startSeconds,
			EndSeconds:   endSeconds,
			Text:         strings.TrimSpace(strings.Join(texts, " ")),
		})
		texts = texts[:0]
		length = 0
		open = false
	}

	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segStart := float64(seg.StartMS) / 1000.0
		segEnd := float64(seg.EndMS) / 1000.0

		if open && length+len(text)+1 > maxChars {
			flush()
		}
		if !open {
			startSeconds = segStart
			open = true
		}
		texts = append(texts, text)
		length += len(text) + 1
		endSeconds = segEnd
	}
	flush()

	return chunks
}
