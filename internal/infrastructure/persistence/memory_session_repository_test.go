package persistence

import (
	"context"
	"testing"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
)

func TestMemorySessionRepository_AppendAndMessages(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()

	session, err := repo.Create(ctx, "first")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.Append(ctx, session.ID,
		entity.NewMessage("m1", entity.RoleUser, "hello"),
		entity.NewMessage("m2", entity.RoleAssistant, "hi"),
	); err != nil {
		t.Fatalf("Append: %v", err)
	}

	msgs, err := repo.Messages(ctx, session.ID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestMemorySessionRepository_ReplaceRewritesLog(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	session, _ := repo.Create(ctx, "s")
	_ = repo.Append(ctx, session.ID,
		entity.NewMessage("m1", entity.RoleUser, "a"),
		entity.NewMessage("m2", entity.RoleAssistant, "b"),
		entity.NewMessage("m3", entity.RoleUser, "c"),
	)

	if err := repo.Replace(ctx, session.ID, []entity.Message{
		entity.NewMessage("m1", entity.RoleUser, "a"),
	}); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	msgs, _ := repo.Messages(ctx, session.ID)
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestMemorySessionRepository_ForkAtMessage(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	session, _ := repo.Create(ctx, "origin")
	_ = repo.Append(ctx, session.ID,
		entity.NewMessage("m1", entity.RoleUser, "a"),
		entity.NewMessage("m2", entity.RoleAssistant, "b"),
		entity.NewMessage("m3", entity.RoleUser, "c"),
	)

	forked, err := repo.Fork(ctx, session.ID, "m2")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	msgs, _ := repo.Messages(ctx, forked.ID)
	if len(msgs) != 2 || msgs[1].ID != "m2" {
		t.Fatalf("fork msgs = %+v", msgs)
	}

	// The origin keeps its full log.
	origMsgs, _ := repo.Messages(ctx, session.ID)
	if len(origMsgs) != 3 {
		t.Errorf("origin lost messages: %d", len(origMsgs))
	}

	if _, err := repo.Fork(ctx, session.ID, "missing"); err == nil {
		t.Error("fork at unknown message must fail")
	}
}

func TestMemorySessionRepository_RenameSharedDelete(t *testing.T) {
	repo := NewMemorySessionRepository()
	ctx := context.Background()
	session, _ := repo.Create(ctx, "old")

	if err := repo.Rename(ctx, session.ID, "new"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := repo.SetShared(ctx, session.ID, true, "local://x"); err != nil {
		t.Fatalf("SetShared: %v", err)
	}
	got, _ := repo.Get(ctx, session.ID)
	if got.Title != "new" || !got.Shared || got.ShareURL != "local://x" {
		t.Fatalf("session = %+v", got)
	}

	if err := repo.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, session.ID); err == nil {
		t.Error("deleted session still readable")
	}
}
