package notes

import (
	"regexp"
	"strconv"
	"strings"

	"vodnotes/internal/models"
)

// Chapter headers look like "### 0:00 - 1:23 | Title".
var chapterHeader = regexp.MustCompile(`^###\s+(\d+):(\d{2})\s*-\s*(\d+):(\d{2})\s*\|\s*(.+)$`)

// ParseChapters extracts chapters from model-produced markdown. Lines under a
// header become its bullets; non-bullet lines are normalized into bullets.
// Returns nil when no chapter headers are present.
func ParseChapters(md string) []models.Chapter {
	var chapters []models.Chapter
	var bullets []string
	var current *models.Chapter

	flush := func() {
		if current == nil {
			return
		}
		current.BulletsMD = strings.TrimSpace(strings.Join(bullets, "\n"))
		chapters = append(chapters, *current)
		current = nil
		bullets = bullets[:0]
	}

	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)

		if m := chapterHeader.FindStringSubmatch(trimmed); m != nil {
			flush()
			current = &models.Chapter{
				Idx:          len(chapters),
				StartSeconds: toSeconds(m[1], m[2]),
				EndSeconds:   toSeconds(m[3], m[4]),
				Title:        strings.TrimSpace(m[5]),
			}
			continue
		}
		if current == nil || trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "- ") {
			bullets = append(bullets, trimmed)
		} else {
			bullets = append(bullets, "- "+trimmed)
		}
	}
	flush()

	return chapters
}

func toSeconds(minutes, seconds string) float64 {
	m, _ := strconv.Atoi(minutes)
	s, _ := strconv.Atoi(seconds)
	return float64(m*60 + s)
}
