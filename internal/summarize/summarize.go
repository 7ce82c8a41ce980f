// Package summarize defines the text-summarization capability the engine
// consumes. The engine never asks whether an implementation exists at build
// time; it only consults Available on the injected value.
package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"federator/internal/config"
)

var ErrUnavailable = errors.New("summarizer unavailable")

type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	Available() bool
}

// Disabled is the null capability: never available.
type Disabled struct{}

func (Disabled) Available() bool { return false }

func (Disabled) Summarize(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

// Service calls an external summarization endpoint: POST {"text": ...}
// returning {"summary": ...}.
type Service struct {
	URL    string
	Client *http.Client
}

// FromConfig builds the configured capability; an empty URL means disabled.
func FromConfig(cfg config.Summarizer) Summarizer {
	if cfg.URL == "" {
		return Disabled{}
	}
	return &Service{
		URL:    cfg.URL,
		Client: &http.Client{Timeout: time.Duration(cfg.TimeoutS * float64(time.Second))},
	}
}

func (s *Service) Available() bool { return s.URL != "" }

func (s *Service) Summarize(ctx context.Context, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		return "", fmt.Errorf("summarize: HTTP %d: %s", resp.StatusCode, b)
	}
	var out struct {
		Summary string `json:"summary"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("summarize: decode response: %w", err)
	}
	return out.Summary, nil
}
