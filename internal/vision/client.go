package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const systemPrompt = "You are an assistant that analyses book spines in a photo and extracts bibliographic information."

const userPrompt = `Extract the title, author, and publisher of every book spine visible in the image and reply as JSON. Format: [{"title": ..., "author": ..., "publisher": ...}, ...]`

// Analyzer is the interface the photo pipeline uses to run spine analysis.
type Analyzer interface {
	Enabled() bool
	AnalyzeImage(ctx context.Context, image []byte, filename string) (Result, error)
	Health(ctx context.Context) error
}

// NoopAnalyzer is used when no API key is configured. Photos processed with it
// are recorded as skipped.
type NoopAnalyzer struct{}

func (NoopAnalyzer) Enabled() bool { return false }

func (NoopAnalyzer) AnalyzeImage(context.Context, []byte, string) (Result, error) {
	return Result{}, fmt.Errorf("analysis backend not configured")
}

func (NoopAnalyzer) Health(context.Context) error { return nil }

// HTTPAnalyzer talks to an OpenAI-compatible chat-completions endpoint.
type HTTPAnalyzer struct {
	baseURL *url.URL
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPAnalyzer validates the configuration and returns a ready client. A
// missing API key yields a NoopAnalyzer rather than an error so callers can
// wire the result in unconditionally.
func NewHTTPAnalyzer(cfg Config) (Analyzer, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return NoopAnalyzer{}, nil
	}
	parsed, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse vision base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("vision base url %q must include scheme and host", cfg.BaseURL)
	}
	return &HTTPAnalyzer{
		baseURL: parsed,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (a *HTTPAnalyzer) Enabled() bool { return true }

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// AnalyzeImage submits the image to the chat-completions endpoint and returns
// the normalised result parsed from the model's reply.
func (a *HTTPAnalyzer) AnalyzeImage(ctx context.Context, image []byte, filename string) (Result, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", imageMIMEType(filename), base64.StdEncoding.EncodeToString(image))
	payload := chatRequest{
		Model: a.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []map[string]any{
				{"type": "text", "text": userPrompt},
				{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
			}},
		},
		Temperature: 0.2,
	}

	var response chatResponse
	if err := a.postJSON(ctx, "/chat/completions", payload, &response); err != nil {
		return Result{}, err
	}
	if len(response.Choices) == 0 {
		return Result{}, fmt.Errorf("vision response contained no choices")
	}
	return ParseContent(response.Choices[0].Message.Content), nil
}

// Health checks the backend is reachable by listing models.
func (a *HTTPAnalyzer) Health(ctx context.Context) error {
	endpoint := a.endpoint("/models")
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create vision health request: %w", err)
	}
	request.Header.Set("Authorization", a.bearer())
	response, err := a.client.Do(request)
	if err != nil {
		return fmt.Errorf("vision health request: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("vision health request: unexpected status %d", response.StatusCode)
	}
	return nil
}

func (a *HTTPAnalyzer) postJSON(ctx context.Context, apiPath string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode vision request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(apiPath), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create vision request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", a.bearer())

	response, err := a.client.Do(request)
	if err != nil {
		return fmt.Errorf("vision request %s: %w", apiPath, err)
	}
	defer func() {
		_ = response.Body.Close()
	}()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
		return fmt.Errorf("vision request %s: unexpected status %d: %s", apiPath, response.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode vision response: %w", err)
	}
	return nil
}

func (a *HTTPAnalyzer) endpoint(apiPath string) string {
	combined := *a.baseURL
	combined.Path = path.Join(combined.Path, apiPath)
	return combined.String()
}

func (a *HTTPAnalyzer) bearer() string {
	return "Bearer " + a.apiKey
}

func imageMIMEType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".heic":
		return "image/heic"
	default:
		return "image/jpeg"
	}
}
