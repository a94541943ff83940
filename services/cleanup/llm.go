// Package cleanup turns a noisy free-form song description into structured
// metadata using a chat-completion model.
package cleanup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"track-resolver-go/logcolors"
	"track-resolver-go/track"

	log "github.com/sirupsen/logrus"
)

// Service cleans up a free-form search string. A nil query with a nil error
// means the model had nothing useful to say.
type Service interface {
	Cleanup(ctx context.Context, freeform string) (*track.Query, error)
}

var _ Service = (*LLMService)(nil)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 30 * time.Second
)

// ErrNotConfigured is returned by NewLLMService without an API key
var ErrNotConfigured = errors.New("cleanup: API key is required")

// ServiceError wraps a failed call to the model
type ServiceError struct {
	Op  string
	Err error
}

func (e *ServiceError) Error() string {
	return "cleanup " + e.Op + ": " + e.Err.Error()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

// LLMConfig holds configuration for the OpenAI-compatible endpoint
type LLMConfig struct {
	// APIKey is required
	APIKey string

	// BaseURL defaults to the OpenAI API. Compatible servers work too.
	BaseURL string

	Model   string
	Timeout time.Duration
}

// LLMService asks a chat model for title, artist and album
type LLMService struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

type chatCompletionRequest struct {
	Model       string              `json:"model"`
	Messages    []chatCompletionMsg `json:"messages"`
	Temperature float64             `json:"temperature,omitempty"`
}

type chatCompletionMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type cleanedMetadata struct {
	Title  interface{} `json:"title"`
	Artist interface{} `json:"artist"`
	Album  interface{} `json:"album"`
}

var jsonObjectRe = regexp.MustCompile(`\{[^{}]*\}`)

const promptTemplate = `Search for information about this song: %s

Return ONLY the most accurate metadata in this exact JSON format:
{
  "title": "exact song title",
  "artist": "exact artist name",
  "album": "exact album name"
}

Do not include any additional text or explanation, just the JSON object.`

// NewLLMService creates the service
func NewLLMService(cfg LLMConfig) (*LLMService, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &LLMService{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}, nil
}

// Cleanup sends the free-form string to the model and parses the first JSON
// object in the reply. Replies without a title yield nil.
func (s *LLMService) Cleanup(ctx context.Context, freeform string) (*track.Query, error) {
	content, err := s.chat(ctx, fmt.Sprintf(promptTemplate, freeform))
	if err != nil {
		return nil, err
	}

	q := ParseReply(content)
	if q == nil {
		log.Debugf("%s no usable metadata in reply for %q", logcolors.LogCleanup, freeform)
		return nil, nil
	}
	log.Debugf("%s %q -> %s", logcolors.LogCleanup, freeform, q.SearchString())
	return q, nil
}

// ParseReply extracts {title, artist, album} from a model reply. Non-string
// values are formatted as text.
func ParseReply(content string) *track.Query {
	raw := jsonObjectRe.FindString(content)
	if raw == "" {
		return nil
	}
	var m cleanedMetadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}

	q := &track.Query{
		Title:  stringify(m.Title),
		Artist: stringify(m.Artist),
		Album:  stringify(m.Album),
	}
	if q.Title == "" {
		return nil
	}
	return q
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func (s *LLMService) chat(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatCompletionRequest{
		Model:    s.model,
		Messages: []chatCompletionMsg{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", &ServiceError{Op: "marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", &ServiceError{Op: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &ServiceError{Op: "send request", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ServiceError{Op: "read response", Err: err}
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(data, &chatResp); err != nil {
		return "", &ServiceError{Op: "decode response", Err: fmt.Errorf("status %d: %w", resp.StatusCode, err)}
	}
	if chatResp.Error != nil {
		return "", &ServiceError{Op: "completion", Err: errors.New(chatResp.Error.Message)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &ServiceError{Op: "completion", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if len(chatResp.Choices) == 0 {
		return "", &ServiceError{Op: "completion", Err: errors.New("no choices in response")}
	}
	return chatResp.Choices[0].Message.Content, nil
}
