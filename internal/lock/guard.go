package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"wuzapi-bitrix-integration/internal/models"
)

// DefaultDebounce is the window after a bot message during which no new bot
// reply is produced for the same conversation.
const DefaultDebounce = 3 * time.Second

// BotHistory returns the newest bot-authored message of a conversation, or
// nil when the bot has not spoken yet.
type BotHistory interface {
	LastBotMessage(ctx context.Context, conversationID int64) (*models.Message, error)
}

// ReplyGuard suppresses bot replies that would be re-deliveries or echoes.
// It runs while the conversation lock is held.
type ReplyGuard struct {
	history  BotHistory
	debounce time.Duration
	now      func() time.Time
}

func NewReplyGuard(history BotHistory, debounce time.Duration) *ReplyGuard {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &ReplyGuard{history: history, debounce: debounce, now: time.Now}
}

// Recent reports whether the bot already wrote to the conversation within the
// debounce window.
func (g *ReplyGuard) Recent(ctx context.Context, conversationID int64) (bool, error) {
	last, err := g.history.LastBotMessage(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("reply guard: %w", err)
	}
	if last == nil {
		return false, nil
	}
	return g.now().Sub(last.CreatedAt) < g.debounce, nil
}

// Duplicate reports whether reply repeats the bot's previous message, by
// content hash or exact text.
func (g *ReplyGuard) Duplicate(ctx context.Context, conversationID int64, reply string) (bool, error) {
	last, err := g.history.LastBotMessage(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("reply guard: %w", err)
	}
	if last == nil {
		return false, nil
	}
	if last.Content == reply {
		return true, nil
	}
	return last.ContentHash != "" && last.ContentHash == ContentHash(reply), nil
}

// ContentHash is the xxhash of the whitespace-normalized text, hex encoded.
// It is not collision resistant and only serves loop detection.
func ContentHash(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	return fmt.Sprintf("%016x", xxhash.Sum64String(normalized))
}
