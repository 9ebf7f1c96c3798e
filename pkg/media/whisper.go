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

	"vspeech/pkg/domain"
)

// Transcriber turns an audio file into timestamped chunks.
type Transcriber interface {
	Transcribe(ctx context.Context, audioPath string) ([]domain.TranscriptChunk, error)
}

// WhisperConfig configures a WhisperClient.
type WhisperConfig struct {
	// BaseURL includes the /v1 prefix, e.g. "http://localhost:9000/v1".
	BaseURL  string
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

// WhisperClient calls an OpenAI-compatible /audio/transcriptions endpoint
// (faster-whisper-server, whisper.cpp server, LocalAI, ...) and asks for
// segment timestamps.
type WhisperClient struct {
	baseURL    string
	apiKey     string
	model      string
	language   string
	httpClient *http.Client
}

// NewWhisperClient builds a client. Language defaults to "zh".
func NewWhisperClient(cfg WhisperConfig) (*WhisperClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("asr base url required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "zh"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &WhisperClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      model,
		language:   language,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Transcribe uploads audioPath and maps the returned segments to chunks.
// Failures wrap domain.ErrTranscriptionFailed.
func (c *WhisperClient) Transcribe(ctx context.Context, audioPath string) ([]domain.TranscriptChunk, error) {
	chunks, err := c.transcribe(ctx, audioPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrTranscriptionFailed, err)
	}
	return chunks, nil
}

func (c *WhisperClient) transcribe(ctx context.Context, audioPath string) ([]domain.TranscriptChunk, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, err
	}

	// The audio is streamed into the request body; long recordings never sit
	// in memory.
	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		pw.CloseWithError(c.writeForm(mw, f, filepath.Base(audioPath)))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/transcriptions", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp whisperErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return nil, fmt.Errorf("asr api error: %s", errResp.Error.Message)
		}
		return nil, fmt.Errorf("asr api error: %s", resp.Status)
	}
	var parsed whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode asr response: %w", err)
	}

	chunks := make([]domain.TranscriptChunk, 0, len(parsed.Segments))
	for _, s := range parsed.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		end := s.Start
		if s.End != nil {
			end = *s.End
		}
		chunks = append(chunks, domain.TranscriptChunk{Text: text, Start: s.Start, End: end})
	}
	return chunks, nil
}

func (c *WhisperClient) writeForm(mw *multipart.Writer, audio io.Reader, filename string) error {
	for k, v := range map[string]string{
		"model":                     c.model,
		"language":                  c.language,
		"response_format":           "verbose_json",
		"timestamp_granularities[]": "segment",
	} {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}
	return mw.Close()
}

type whisperResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Start float64  `json:"start"`
		End   *float64 `json:"end"`
		Text  string   `json:"text"`
	} `json:"segments"`
}

type whisperErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
