package notes

import (
	"fmt"
	"strings"
	"time"
)

// NormalizeBullets rewrites bullet variants (*, •, dashes) to "- " and strips
// per-line whitespace while preserving blank lines.
func NormalizeBullets(md string) string {
	lines := strings.Split(md, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			out = append(out, "")
			continue
		}
		for _, prefix := range []string{"* ", "• ", "– ", "— "} {
			if strings.HasPrefix(stripped, prefix) {
				stripped = "- " + strings.TrimSpace(strings.TrimPrefix(stripped, prefix))
				break
			}
		}
		out = append(out, stripped)
	}
	return strings.TrimSpace(strings.Join(out, "\n")) + "\n"
}

// EnsureH2Sections demotes stray H1 headings to H2 and guarantees a Summary
// section exists.
func EnsureH2Sections(md string) string {
	lines := strings.Split(strings.TrimSpace(md), "\n")
	fixed := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, "# ") {
			fixed = append(fixed, "## "+line[2:])
		} else {
			fixed = append(fixed, line)
		}
	}
	out := strings.TrimSpace(strings.Join(fixed, "\n"))
	if !strings.Contains(out, "## Summary") {
		out = "## Summary\n\n" + out
	}
	return out + "\n"
}

// BuildFinalMarkdown renders the user-facing note for a job. generatedAt is
// injected so re-running format for unchanged inputs stays byte-identical.
func BuildFinalMarkdown(jobID, summaryMD string, generatedAt time.Time) string {
	header := fmt.Sprintf(
		"# AI Video Notes\n\n- Job ID: `%s`\n- Generated: `%s`\n\n---\n\n",
		jobID,
		generatedAt.UTC().Format(time.RFC3339),
	)
	return header + EnsureH2Sections(NormalizeBullets(summaryMD))
}
