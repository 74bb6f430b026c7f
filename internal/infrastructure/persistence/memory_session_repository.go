package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
	"github.com/agentrunner/agentrunner/internal/domain/repository"
	"github.com/agentrunner/agentrunner/pkg/errors"
)

// MemorySessionRepository is the in-memory Session Repository used for
// development and tests.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*repository.SessionInfo
	messages map[string][]entity.Message
}

// NewMemorySessionRepository creates an empty in-memory repository.
func NewMemorySessionRepository() repository.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[string]*repository.SessionInfo),
		messages: make(map[string][]entity.Message),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, title string) (repository.SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	info := repository.SessionInfo{
		ID:        uuid.NewString(),
		Title:     title,
		Agent:     "default",
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.sessions[info.ID] = &info
	r.messages[info.ID] = nil
	return info, nil
}

func (r *MemorySessionRepository) Get(ctx context.Context, id string) (repository.SessionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.sessions[id]
	if !ok {
		return repository.SessionInfo{}, errors.NewNotFoundError("session not found")
	}
	return *info, nil
}

func (r *MemorySessionRepository) List(ctx context.Context) ([]repository.SessionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]repository.SessionInfo, 0, len(r.sessions))
	for _, info := range r.sessions {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (r *MemorySessionRepository) Rename(ctx context.Context, id, title string) error {
	return r.update(id, func(info *repository.SessionInfo) {
		info.Title = title
	})
}

func (r *MemorySessionRepository) SetAgent(ctx context.Context, id, agent string) error {
	return r.update(id, func(info *repository.SessionInfo) {
		info.Agent = agent
	})
}

func (r *MemorySessionRepository) SetShared(ctx context.Context, id string, shared bool, shareURL string) error {
	return r.update(id, func(info *repository.SessionInfo) {
		info.Shared = shared
		info.ShareURL = shareURL
	})
}

func (r *MemorySessionRepository) update(id string, fn func(*repository.SessionInfo)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[id]
	if !ok {
		return errors.NewNotFoundError("session not found")
	}
	fn(info)
	info.UpdatedAt = time.Now()
	return nil
}

func (r *MemorySessionRepository) Messages(ctx context.Context, id string) ([]entity.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[id]; !ok {
		return nil, errors.NewNotFoundError("session not found")
	}
	msgs := r.messages[id]
	out := make([]entity.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (r *MemorySessionRepository) Append(ctx context.Context, id string, msgs ...entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[id]
	if !ok {
		return errors.NewNotFoundError("session not found")
	}
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		r.messages[id] = append(r.messages[id], m)
	}
	info.UpdatedAt = time.Now()
	return nil
}

func (r *MemorySessionRepository) Replace(ctx context.Context, id string, msgs []entity.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.sessions[id]
	if !ok {
		return errors.NewNotFoundError("session not found")
	}
	replaced := make([]entity.Message, len(msgs))
	copy(replaced, msgs)
	r.messages[id] = replaced
	info.UpdatedAt = time.Now()
	return nil
}

func (r *MemorySessionRepository) Fork(ctx context.Context, id, fromMessageID string) (repository.SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sessions[id]
	if !ok {
		return repository.SessionInfo{}, errors.NewNotFoundError("session not found")
	}

	msgs := r.messages[id]
	if fromMessageID != "" {
		cut := -1
		for i, m := range msgs {
			if m.ID == fromMessageID {
				cut = i
				break
			}
		}
		if cut < 0 {
			return repository.SessionInfo{}, errors.NewNotFoundError("fork point not found")
		}
		msgs = msgs[:cut+1]
	}

	now := time.Now()
	forked := repository.SessionInfo{
		ID:        uuid.NewString(),
		Title:     src.Title + " (fork)",
		Agent:     src.Agent,
		CreatedAt: now,
		UpdatedAt: now,
	}
	copied := make([]entity.Message, len(msgs))
	copy(copied, msgs)
	r.sessions[forked.ID] = &forked
	r.messages[forked.ID] = copied
	return forked, nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return errors.NewNotFoundError("session not found")
	}
	delete(r.sessions, id)
	delete(r.messages, id)
	return nil
}
