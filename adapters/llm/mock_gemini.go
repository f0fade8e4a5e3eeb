package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/entities"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

// MockGeminiClient is a scripted LLM used in development and tests
type MockGeminiClient struct{}

// NewMockGeminiClient creates a new mock Gemini client
func NewMockGeminiClient() repositories.LargeLanguageModel {
	return &MockGeminiClient{}
}

// Generate implements repositories.LargeLanguageModel
func (g *MockGeminiClient) Generate(prompt string) (string, error) {
	return mockReply(prompt), nil
}

// GenerateChat implements repositories.LargeLanguageModel
func (g *MockGeminiClient) GenerateChat(ctx context.Context, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return &MockGeminiChatSession{
		history: append([]repositories.ChatMessage(nil), history...),
	}, nil
}

// MockGeminiChatSession implements repositories.ChatSession
type MockGeminiChatSession struct {
	mu      sync.Mutex
	history []repositories.ChatMessage
}

// SendMessage implements repositories.ChatSession
func (g *MockGeminiChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return repositories.ChatMessage{}, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.history = append(g.history, message)

	reply := mockReply(message.Content)
	responseMessage := repositories.ChatMessage{
		Role:    repositories.AssistantRole,
		Content: reply,
		Usage: entities.Usage{
			InputTextTokens:  len(strings.Fields(message.Content)),
			OutputTextTokens: len(strings.Fields(reply)),
		},
	}
	g.history = append(g.history, responseMessage)

	return responseMessage, nil
}

// History implements repositories.ChatSession
func (g *MockGeminiChatSession) History() ([]repositories.ChatMessage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]repositories.ChatMessage(nil), g.history...), nil
}

func mockReply(content string) string {
	if strings.TrimSpace(content) == "" {
		return "Hello! I'm your English tutor. What would you like to talk about today?"
	}
	return fmt.Sprintf("Great, you said: %q. Can you tell me more about that?", content)
}
