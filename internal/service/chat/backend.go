//go:generate go run go.uber.org/mock/mockgen -source=backend.go -destination=../../mocks/mock_backend.go -package=mocks
package chat

import (
	"context"

	"github.com/zhouzirui/one-in-one/client/internal/model/chat"
)

// Backend is the request/response collaborator of a session. *api.Client
// implements it.
type Backend interface {
	ListChats(ctx context.Context) ([]chat.Conversation, error)
	FetchMessages(ctx context.Context, chatID chat.ID) ([]chat.Message, error)
	CreateChat(ctx context.Context, participants []string) (chat.Conversation, error)
	SendMessage(ctx context.Context, req chat.SendRequest) (chat.Message, error)
	SearchUsers(ctx context.Context, query string) ([]chat.User, error)
	AddReaction(ctx context.Context, messageID chat.ID, emoji string) (chat.ReactionRecord, error)
}
