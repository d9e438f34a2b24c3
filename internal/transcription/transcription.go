// Package transcription turns audio attachments into text, best effort. A
// failed transcription is logged and dropped; the audio message itself is
// already delivered by then.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// Transcriber converts downloadable audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURL, filename string) (string, error)
}

// WhisperClient calls an OpenAI-compatible audio transcription endpoint.
type WhisperClient struct {
	apiKey   string
	apiBase  string
	model    string
	language string
	client   *http.Client
}

// NewWhisperClient builds the transcription client. Language defaults to
// Portuguese, matching the customer base.
func NewWhisperClient(apiKey, apiBase string) *WhisperClient {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &WhisperClient{
		apiKey:   apiKey,
		apiBase:  strings.TrimRight(apiBase, "/"),
		model:    "whisper-1",
		language: "pt",
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

// Transcribe downloads the audio and submits it for transcription.
func (c *WhisperClient) Transcribe(ctx context.Context, audioURL, filename string) (string, error) {
	audio, err := c.download(ctx, audioURL)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("transcription: build form: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("transcription: write audio: %w", err)
	}
	_ = writer.WriteField("model", c.model)
	_ = writer.WriteField("language", c.language)
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("transcription: close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/audio/transcriptions", &body)
	if err != nil {
		return "", fmt.Errorf("transcription: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("transcription: status %d: %s", resp.StatusCode, respBody)
	}

	var result struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("transcription: decode response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

func (c *WhisperClient) download(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transcription: create download: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription: download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcription: download status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 32<<20))
}
