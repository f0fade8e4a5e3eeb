package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"go.uber.org/zap/zaptest"
	"google.golang.org/genai"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

// fakeGemini serves generateContent with handler and counts the calls.
func fakeGemini(t *testing.T, handler http.HandlerFunc) (*genai.Client, *int32) {
	t.Helper()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      "test-key",
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: srv.URL},
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	return client, &calls
}

func replyWith(text string, promptTokens, candidateTokens int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": text}},
				},
				"finishReason": "STOP",
			}},
			"usageMetadata": map[string]any{
				"promptTokenCount":     promptTokens,
				"candidatesTokenCount": candidateTokens,
				"totalTokenCount":      promptTokens + candidateTokens,
			},
		})
	}
}

func userMessage(text string) repositories.ChatMessage {
	return repositories.ChatMessage{Role: repositories.UserRole, Content: text}
}

func TestSendMessage_Success(t *testing.T) {
	var body []byte
	client, calls := fakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		replyWith("Hi! How are you today?", 12, 7)(w, r)
	})

	session := NewGeminiChatSession(client, GeminiConfig{}, zaptest.NewLogger(t), nil)
	reply, err := session.SendMessage(context.Background(), userMessage("hello"))
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	if reply.Role != repositories.AssistantRole {
		t.Errorf("Expected assistant role, got %s", reply.Role)
	}
	if reply.Content != "Hi! How are you today?" {
		t.Errorf("Unexpected reply %q", reply.Content)
	}
	if reply.Usage.InputTextTokens != 12 || reply.Usage.OutputTextTokens != 7 {
		t.Errorf("Unexpected usage %+v", reply.Usage)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("Expected 1 upstream call, got %d", got)
	}
	if !strings.Contains(string(body), "hello") {
		t.Errorf("Request did not carry the user message: %s", body)
	}

	history, _ := session.History()
	if len(history) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(history))
	}
	if history[0].Role != repositories.UserRole || history[1].Content != "Hi! How are you today?" {
		t.Errorf("Unexpected history %+v", history)
	}
}

func TestSendMessage_UpstreamFailureIsReturned(t *testing.T) {
	client, calls := fakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":500,"message":"backend exploded","status":"INTERNAL"}}`))
	})

	session := NewGeminiChatSession(client, GeminiConfig{}, zaptest.NewLogger(t), nil)
	reply, err := session.SendMessage(context.Background(), userMessage("hello"))
	if err == nil {
		t.Fatalf("Expected an error, got reply %q", reply.Content)
	}
	if reply.Content != "" {
		t.Errorf("Expected no reply on failure, got %q", reply.Content)
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("Expected a single upstream call without retries, got %d", got)
	}

	history, _ := session.History()
	if len(history) != 0 {
		t.Errorf("Failed turn must not enter the history, got %+v", history)
	}
}

func TestSendMessage_RetriesWhenConfigured(t *testing.T) {
	client, calls := fakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"code":503,"message":"busy","status":"UNAVAILABLE"}}`))
	})

	session := NewGeminiChatSession(client, GeminiConfig{MaxRetries: 1}, zaptest.NewLogger(t), nil)
	if _, err := session.SendMessage(context.Background(), userMessage("hello")); err == nil {
		t.Fatal("Expected an error after the retry budget is spent")
	}
	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("Expected 2 upstream calls, got %d", got)
	}
}

func TestSendMessage_EmptyResponseIsAnError(t *testing.T) {
	client, _ := fakeGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[]}`))
	})

	session := NewGeminiChatSession(client, GeminiConfig{}, zaptest.NewLogger(t), nil)
	_, err := session.SendMessage(context.Background(), userMessage("hello"))
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestNewGeminiChatSession_SystemHistory(t *testing.T) {
	session := NewGeminiChatSession(nil, GeminiConfig{}, zaptest.NewLogger(t), []repositories.ChatMessage{
		{Role: repositories.SystemRole, Content: "Be brief."},
		{Role: repositories.UserRole, Content: "hi"},
		{Role: repositories.AssistantRole, Content: "hello"},
	})

	if session.systemPrompt != "Be brief." {
		t.Errorf("Expected system prompt from history, got %q", session.systemPrompt)
	}
	history, _ := session.History()
	if len(history) != 2 {
		t.Errorf("Expected system messages to be kept out of the history, got %+v", history)
	}
}

func TestValidateGeminiConfig(t *testing.T) {
	tests := []struct {
		name    string
		config  GeminiConfig
		wantErr bool
	}{
		{"valid", GeminiConfig{APIKey: "k"}, false},
		{"missing key", GeminiConfig{}, true},
		{"temperature out of range", GeminiConfig{APIKey: "k", Temperature: 3}, true},
		{"topP out of range", GeminiConfig{APIKey: "k", TopP: 1.5}, true},
		{"negative retries", GeminiConfig{APIKey: "k", MaxRetries: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateGeminiConfig(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateGeminiConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyDefaultsKeepsRetriesOff(t *testing.T) {
	if got := applyDefaults(GeminiConfig{}).MaxRetries; got != 0 {
		t.Errorf("Expected retries to be opt-in, got %d", got)
	}
}

func TestPreviewTruncatesByRune(t *testing.T) {
	long := strings.Repeat("xin chào ", 20)
	got := preview(long)
	if !utf8.ValidString(got) {
		t.Errorf("preview produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 50 {
		t.Errorf("Expected 50 runes, got %d", n)
	}
	if preview("short") != "short" {
		t.Error("Short strings must be returned unchanged")
	}
}
