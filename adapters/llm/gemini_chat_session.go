package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/entities"
	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

// GeminiChatSession implements the ChatSession interface
type GeminiChatSession struct {
	client *genai.Client
	config GeminiConfig
	logger *zap.Logger

	mu           sync.Mutex
	systemPrompt string
	history      []*genai.Content
}

// NewGeminiChatSession creates a new chat session with config and history.
// System messages in history replace the configured system prompt.
func NewGeminiChatSession(client *genai.Client, config GeminiConfig, logger *zap.Logger, history []repositories.ChatMessage) *GeminiChatSession {
	config = applyDefaults(config)

	systemPrompt := config.SystemPrompt
	var prompts []string
	for _, msg := range history {
		if msg.Role == repositories.SystemRole {
			prompts = append(prompts, msg.Content)
		}
	}
	if len(prompts) > 0 {
		systemPrompt = strings.Join(prompts, "\n")
	}

	return &GeminiChatSession{
		client:       client,
		config:       config,
		logger:       logger,
		systemPrompt: systemPrompt,
		history:      convertRepositoryToGeminiFormat(history),
	}
}

// SendMessage sends a message and gets a response, updating the history
func (s *GeminiChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userContent := genai.NewContentFromText(message.Content, genai.RoleUser)
	contents := append(append([]*genai.Content{}, s.history...), userContent)

	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(s.systemPrompt, genai.RoleUser),
		SafetySettings:    GeminiHardcodedConfig.SafetySettings,
		Temperature:       genai.Ptr(s.config.Temperature),
		TopP:              genai.Ptr(s.config.TopP),
		TopK:              genai.Ptr(s.config.TopK),
		MaxOutputTokens:   int32(s.config.MaxOutputTokens),
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.config.TimeoutSeconds)*time.Second)
	defer cancel()

	// MaxRetries is zero unless configured, so failures surface on the first attempt.
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.config.MaxRetries)), ctx)

	response, err := backoff.RetryNotifyWithData(func() (*genai.GenerateContentResponse, error) {
		return s.client.Models.GenerateContent(ctx, s.config.Model, contents, config)
	}, retry, func(err error, wait time.Duration) {
		s.logger.Warn("Failed to generate content, retrying",
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil {
		s.logger.Error("Failed to send message in chat session", zap.Error(err))
		return repositories.ChatMessage{}, fmt.Errorf("gemini generate content: %w", err)
	}

	var responseText string
	if len(response.Candidates) > 0 && response.Candidates[0].Content != nil {
		for _, part := range response.Candidates[0].Content.Parts {
			if part.Text != "" {
				responseText += part.Text
			}
		}
	}

	if responseText == "" {
		s.logger.Warn("Empty response in chat session")
		return repositories.ChatMessage{}, ErrEmptyResponse
	}

	s.history = append(s.history, userContent, genai.NewContentFromText(responseText, genai.RoleModel))

	responseMessage := repositories.ChatMessage{
		Role:    repositories.AssistantRole,
		Content: responseText,
	}
	if usage := response.UsageMetadata; usage != nil {
		responseMessage.Usage = entities.Usage{
			InputTextTokens:  int(usage.PromptTokenCount),
			OutputTextTokens: int(usage.CandidatesTokenCount),
		}
	}

	s.logger.Info("Chat session message processed",
		zap.String("userMessage", preview(message.Content)),
		zap.String("responsePreview", preview(responseText)),
		zap.Int("historyLength", len(s.history)))

	return responseMessage, nil
}

// History returns the current conversation history
func (s *GeminiChatSession) History() ([]repositories.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return convertGeminiToRepositoryFormat(s.history), nil
}

func preview(s string) string {
	runes := []rune(s)
	if len(runes) <= 50 {
		return s
	}
	return string(runes[:50])
}

func convertRepositoryToGeminiFormat(messages []repositories.ChatMessage) []*genai.Content {
	var contents []*genai.Content

	for _, msg := range messages {
		var role genai.Role
		switch msg.Role {
		case repositories.UserRole:
			role = genai.RoleUser
		case repositories.AssistantRole:
			role = genai.RoleModel
		default:
			// system prompts travel as SystemInstruction
			continue
		}

		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}

	return contents
}

func convertGeminiToRepositoryFormat(contents []*genai.Content) []repositories.ChatMessage {
	var messages []repositories.ChatMessage

	for _, content := range contents {
		role := repositories.UserRole
		if content.Role == string(genai.RoleModel) {
			role = repositories.AssistantRole
		}

		var text string
		for _, part := range content.Parts {
			if part.Text != "" {
				text += part.Text
			}
		}

		if text != "" {
			messages = append(messages, repositories.ChatMessage{
				Role:    role,
				Content: text,
			})
		}
	}

	return messages
}
