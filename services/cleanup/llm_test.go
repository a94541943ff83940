package cleanup

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseReply(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantNil    bool
		wantTitle  string
		wantArtist string
		wantAlbum  string
	}{
		{
			name:       "Bare object",
			content:    `{"title": "Numb", "artist": "Linkin Park", "album": "Meteora"}`,
			wantTitle:  "Numb",
			wantArtist: "Linkin Park",
			wantAlbum:  "Meteora",
		},
		{
			name:       "Object inside prose",
			content:    "Sure! Here it is:\n```json\n{\"title\": \" Numb \", \"artist\": \"Linkin Park\"}\n```",
			wantTitle:  "Numb",
			wantArtist: "Linkin Park",
		},
		{
			name:      "Numeric title",
			content:   `{"title": 1999, "artist": "Prince"}`,
			wantTitle: "1999",
		},
		{name: "Empty title", content: `{"title": "", "artist": "Linkin Park"}`, wantNil: true},
		{name: "Missing title", content: `{"artist": "Linkin Park"}`, wantNil: true},
		{name: "No JSON", content: "I could not find that song.", wantNil: true},
		{name: "Broken JSON", content: `{"title": "Numb",}`, wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := ParseReply(tt.content)
			if tt.wantNil {
				if q != nil {
					t.Errorf("ParseReply() = %+v, want nil", q)
				}
				return
			}
			if q == nil {
				t.Fatal("ParseReply() = nil")
			}
			if q.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", q.Title, tt.wantTitle)
			}
			if tt.wantArtist != "" && q.Artist != tt.wantArtist {
				t.Errorf("Artist = %q, want %q", q.Artist, tt.wantArtist)
			}
			if q.Album != tt.wantAlbum {
				t.Errorf("Album = %q, want %q", q.Album, tt.wantAlbum)
			}
		})
	}
}

func newChatServer(t *testing.T, status int, reply string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		var req chatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "numb linkin park") {
			t.Errorf("unexpected messages %+v", req.Messages)
		}

		w.WriteHeader(status)
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chatReply(content string) string {
	data, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	return string(data)
}

func TestLLMServiceCleanup(t *testing.T) {
	srv := newChatServer(t, http.StatusOK, chatReply(`{"title":"Numb","artist":"Linkin Park","album":"Meteora"}`))

	s, err := NewLLMService(LLMConfig{APIKey: "test-key", BaseURL: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewLLMService() error: %v", err)
	}

	q, err := s.Cleanup(context.Background(), "numb linkin park")
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if q == nil || q.Title != "Numb" || q.Album != "Meteora" {
		t.Errorf("Cleanup() = %+v", q)
	}
}

func TestLLMServiceCleanupNoMetadata(t *testing.T) {
	srv := newChatServer(t, http.StatusOK, chatReply("no idea"))
	s, _ := NewLLMService(LLMConfig{APIKey: "test-key", BaseURL: srv.URL})

	q, err := s.Cleanup(context.Background(), "numb linkin park")
	if err != nil || q != nil {
		t.Errorf("Cleanup() = %+v, %v, want nil, nil", q, err)
	}
}

func TestLLMServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"API error", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`},
		{"Non-200 status", http.StatusBadGateway, `{}`},
		{"No choices", http.StatusOK, `{"choices":[]}`},
		{"Invalid JSON", http.StatusOK, `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newChatServer(t, tt.status, tt.body)
			s, _ := NewLLMService(LLMConfig{APIKey: "test-key", BaseURL: srv.URL})

			_, err := s.Cleanup(context.Background(), "numb linkin park")
			var serr *ServiceError
			if !errors.As(err, &serr) {
				t.Errorf("Cleanup() error = %v, want *ServiceError", err)
			}
		})
	}
}

func TestNewLLMServiceRequiresKey(t *testing.T) {
	if _, err := NewLLMService(LLMConfig{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("NewLLMService() error = %v, want ErrNotConfigured", err)
	}

	s, err := NewLLMService(LLMConfig{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if s.baseURL != DefaultBaseURL || s.model != DefaultModel {
		t.Errorf("defaults not applied: %s %s", s.baseURL, s.model)
	}
}
