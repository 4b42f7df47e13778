package source

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidReference marks a source reference that cannot be resolved to a
// video. Callers surface it as a client-input error; it is never retried.
var ErrInvalidReference = errors.New("invalid video reference")

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,20}$`)

var youtubeHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
	"youtu.be":        true,
}

// ExtractVideoID parses the native video id out of the common YouTube URL
// shapes: watch?v=, youtu.be/, /embed/ and /shorts/.
func ExtractVideoID(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	host := strings.ToLower(parsed.Host)
	if !youtubeHosts[host] && !strings.HasSuffix(host, ".youtube.com") {
		return "", fmt.Errorf("%w: unsupported host %q", ErrInvalidReference, parsed.Host)
	}

	if host == "youtu.be" {
		if id := firstPathPart(parsed.Path); id != "" {
			return validateVideoID(id)
		}
	}

	if parsed.Path == "/watch" {
		if id := parsed.Query().Get("v"); id != "" {
			return validateVideoID(id)
		}
	}

	for _, prefix := range []string{"/embed/", "/shorts/"} {
		if strings.HasPrefix(parsed.Path, prefix) {
			if id := firstPathPart(strings.TrimPrefix(parsed.Path, prefix)); id != "" {
				return validateVideoID(id)
			}
		}
	}

	return "", fmt.Errorf("%w: no video id in %q", ErrInvalidReference, raw)
}

// Fingerprint returns the stable dedupe key for a video id.
func Fingerprint(videoID string) string {
	sum := sha256.Sum256([]byte("youtube:" + videoID))
	return hex.EncodeToString(sum[:])
}

// CanonicalURL normalizes any accepted reference shape to the watch URL.
func CanonicalURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

func firstPathPart(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexAny(path, "/?#"); i >= 0 {
		path = path[:i]
	}
	return path
}

func validateVideoID(id string) (string, error) {
	if !videoIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: malformed video id %q", ErrInvalidReference, id)
	}
	return id, nil
}
