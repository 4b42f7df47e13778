package media

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vodnotes/internal/config"
	"vodnotes/internal/models"
	"vodnotes/internal/retry"
)

// WhisperClient talks to a whisper ASR HTTP service. The audio file is
// streamed as multipart form data; the response carries timed segments.
type WhisperClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewWhisperClient(cfg config.Config) *WhisperClient {
	addr := strings.TrimSuffix(cfg.WhisperAddr, "/")
	return &WhisperClient{
		baseURL: addr,
		// Long-form audio takes minutes to transcribe.
		httpClient: &http.Client{Timeout: 30 * time.Minute},
	}
}

type whisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type whisperResponse struct {
	Segments []whisperSegment `json:"segments"`
}

// Transcribe sends the audio at storageURI to the ASR service and returns
// ordered segments with millisecond bounds.
func (c *WhisperClient) Transcribe(ctx context.Context, storageURI string) ([]models.TranscriptSegment, error) {
	f, err := os.Open(storageURI)
	if err != nil {
		return nil, fmt.Errorf("open audio %s: %w", storageURI, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("audio_file", filepath.Base(storageURI))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/asr?output=json", pr)
	if err != nil {
		return nil, fmt.Errorf("build asr request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("asr request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, retry.Transient(fmt.Errorf("asr service status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("asr service status %d", resp.StatusCode)
	}

	var parsed whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, retry.Transient(fmt.Errorf("decode asr response: %w", err))
	}

	segments := make([]models.TranscriptSegment, 0, len(parsed.Segments))
	for i, seg := range parsed.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		segments = append(segments, models.TranscriptSegment{
			Idx:     i,
			StartMS: int(seg.Start * 1000),
			EndMS:   int(seg.End * 1000),
			Text:    text,
		})
	}
	return segments, nil
}
