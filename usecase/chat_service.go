package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/DoHungMinh/website-hoc-tieng-anh-sub004/domain/repositories"
)

// ChatService handles the conversation logic of a single tutoring session
type ChatService struct {
	llm repositories.LargeLanguageModel
}

// NewChatService creates a new chat service
func NewChatService(llm repositories.LargeLanguageModel) *ChatService {
	return &ChatService{llm: llm}
}

// StartConversation opens a chat seeded with the session instructions
func (s *ChatService) StartConversation(ctx context.Context, instructions string) (repositories.ChatSession, error) {
	var history []repositories.ChatMessage
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		history = append(history, repositories.ChatMessage{
			Role:    repositories.SystemRole,
			Content: instructions,
		})
	}

	chat, err := s.llm.GenerateChat(ctx, history)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat session: %w", err)
	}
	return chat, nil
}

// Reply sends the learner's utterance and returns the tutor's answer
func (s *ChatService) Reply(ctx context.Context, chat repositories.ChatSession, utterance string) (repositories.ChatMessage, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return repositories.ChatMessage{}, fmt.Errorf("utterance cannot be empty")
	}

	reply, err := chat.SendMessage(ctx, repositories.ChatMessage{
		Role:    repositories.UserRole,
		Content: utterance,
	})
	if err != nil {
		return repositories.ChatMessage{}, fmt.Errorf("failed to generate reply: %w", err)
	}
	return reply, nil
}
