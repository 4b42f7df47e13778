package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"vodnotes/internal/config"
	"vodnotes/internal/models"
	"vodnotes/internal/retry"
)

// YtdlpDownloader fetches audio tracks with the yt-dlp binary. Output paths
// are per-job, so a re-run overwrites in place instead of accumulating files.
type YtdlpDownloader struct {
	binPath string
	baseDir string
	placer  *AudioPlacer
}

func NewYtdlpDownloader(cfg config.Config, placer *AudioPlacer) *YtdlpDownloader {
	bin := cfg.YtdlpPath
	if bin == "" {
		bin = "yt-dlp"
	}
	dir := cfg.MediaDir
	if dir == "" {
		dir = "./data/jobs"
	}
	return &YtdlpDownloader{binPath: bin, baseDir: dir, placer: placer}
}

// FetchAudio downloads the audio track for videoURL into the job's media
// directory and returns the recorded artifact. A missing output file after a
// zero exit status is treated as a hard failure.
func (d *YtdlpDownloader) FetchAudio(ctx context.Context, videoURL string, jobID uuid.UUID) (models.AudioArtifact, error) {
	jobDir := filepath.Join(d.baseDir, jobID.String())
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return models.AudioArtifact{}, fmt.Errorf("create job dir: %w", err)
	}
	outPath := filepath.Join(jobDir, "audio.m4a")

	cmd := exec.CommandContext(ctx, d.binPath,
		"--no-playlist",
		"--force-overwrites",
		"-f", "bestaudio[ext=m4a]/bestaudio",
		"-x", "--audio-format", "m4a",
		"-o", outPath,
		videoURL,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		wrapped := fmt.Errorf("yt-dlp: %w: %s", err, truncate(stderr.String(), 500))
		if permanentDownloadFailure(stderr.String()) {
			return models.AudioArtifact{}, retry.Fatal(wrapped)
		}
		return models.AudioArtifact{}, retry.Transient(wrapped)
	}
	info, err := os.Stat(outPath)
	if err != nil {
		return models.AudioArtifact{}, fmt.Errorf("yt-dlp produced no output at %s", outPath)
	}

	sum, err := fileSHA256(outPath)
	if err != nil {
		return models.AudioArtifact{}, err
	}

	artifact := models.AudioArtifact{
		JobID:         jobID,
		StorageURI:    outPath,
		ContentSHA256: sum,
		SizeBytes:     info.Size(),
		Meta: map[string]string{
			"source_url": videoURL,
			"tool":       "yt-dlp",
		},
	}

	if d.placer != nil && d.placer.Remote() {
		remoteURI, err := d.placer.Place(ctx, jobID, outPath)
		if err != nil {
			return models.AudioArtifact{}, retry.Transient(fmt.Errorf("place audio: %w", err))
		}
		artifact.Meta["remote_uri"] = remoteURI
	}
	return artifact, nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// permanentDownloadFailure matches yt-dlp messages for videos that will never
// become downloadable, so retrying would only burn attempts.
func permanentDownloadFailure(stderr string) bool {
	msg := strings.ToLower(stderr)
	for _, signal := range []string{
		"private video",
		"video unavailable",
		"this video has been removed",
		"account associated with this video has been terminated",
		"copyright",
		"sign in to confirm your age",
	} {
		if strings.Contains(msg, signal) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
