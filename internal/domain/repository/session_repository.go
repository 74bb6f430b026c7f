package repository

import (
	"context"
	"time"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
)

// SessionInfo is the metadata the runner and interfaces see for one
// conversation session. The message log itself is fetched separately.
type SessionInfo struct {
	ID        string
	Title     string
	Agent     string
	Shared    bool
	ShareURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionRepository persists conversation sessions and their ordered
// message logs. The runner holds only a reference; titles, share state
// and forks are owned here.
type SessionRepository interface {
	// Create opens a new session with the given title.
	Create(ctx context.Context, title string) (SessionInfo, error)

	// Get returns one session's metadata.
	Get(ctx context.Context, id string) (SessionInfo, error)

	// List returns all sessions, most recently updated first.
	List(ctx context.Context) ([]SessionInfo, error)

	// Rename updates a session's title.
	Rename(ctx context.Context, id, title string) error

	// SetAgent updates the session's agent tag.
	SetAgent(ctx context.Context, id, agent string) error

	// SetShared toggles the session's shared flag and share URL.
	SetShared(ctx context.Context, id string, shared bool, shareURL string) error

	// Messages returns the session's full message log in order.
	Messages(ctx context.Context, id string) ([]entity.Message, error)

	// Append adds messages to the end of the session's log.
	Append(ctx context.Context, id string, msgs ...entity.Message) error

	// Replace overwrites the session's log wholesale. Used by compaction
	// and revert, which rewrite history rather than appending to it.
	Replace(ctx context.Context, id string, msgs []entity.Message) error

	// Fork copies the session up to and including fromMessageID into a
	// new session. An empty fromMessageID copies the whole log.
	Fork(ctx context.Context, id, fromMessageID string) (SessionInfo, error)

	// Delete removes the session and its messages.
	Delete(ctx context.Context, id string) error
}
