package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/agentrunner/agentrunner/internal/domain/entity"
	"github.com/agentrunner/agentrunner/internal/domain/repository"
	"github.com/agentrunner/agentrunner/internal/infrastructure/persistence/models"
	domainErrors "github.com/agentrunner/agentrunner/pkg/errors"
)

// GormSessionRepository backs the Session Repository contract with GORM
// (sqlite for local runs, postgres in server mode).
type GormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository creates a GORM-backed session repository.
func NewGormSessionRepository(db *gorm.DB) repository.SessionRepository {
	return &GormSessionRepository{db: db}
}

func (r *GormSessionRepository) Create(ctx context.Context, title string) (repository.SessionInfo, error) {
	model := models.SessionModel{
		ID:    uuid.NewString(),
		Title: title,
		Agent: "default",
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return repository.SessionInfo{}, domainErrors.NewInternalError("failed to create session: " + err.Error())
	}
	return toSessionInfo(&model), nil
}

func (r *GormSessionRepository) Get(ctx context.Context, id string) (repository.SessionInfo, error) {
	var model models.SessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return repository.SessionInfo{}, domainErrors.NewNotFoundError("session not found")
		}
		return repository.SessionInfo{}, domainErrors.NewInternalError("failed to find session: " + err.Error())
	}
	return toSessionInfo(&model), nil
}

func (r *GormSessionRepository) List(ctx context.Context) ([]repository.SessionInfo, error) {
	var modelList []models.SessionModel
	if err := r.db.WithContext(ctx).Order("updated_at desc").Find(&modelList).Error; err != nil {
		return nil, domainErrors.NewInternalError("failed to list sessions: " + err.Error())
	}
	sessions := make([]repository.SessionInfo, 0, len(modelList))
	for i := range modelList {
		sessions = append(sessions, toSessionInfo(&modelList[i]))
	}
	return sessions, nil
}

func (r *GormSessionRepository) Rename(ctx context.Context, id, title string) error {
	return r.updateSession(ctx, id, map[string]interface{}{"title": title})
}

func (r *GormSessionRepository) SetAgent(ctx context.Context, id, agent string) error {
	return r.updateSession(ctx, id, map[string]interface{}{"agent": agent})
}

func (r *GormSessionRepository) SetShared(ctx context.Context, id string, shared bool, shareURL string) error {
	return r.updateSession(ctx, id, map[string]interface{}{"shared": shared, "share_url": shareURL})
}

func (r *GormSessionRepository) updateSession(ctx context.Context, id string, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&models.SessionModel{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return domainErrors.NewInternalError("failed to update session: " + result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return domainErrors.NewNotFoundError("session not found")
	}
	return nil
}

func (r *GormSessionRepository) Messages(ctx context.Context, id string) ([]entity.Message, error) {
	var modelList []models.MessageModel
	err := r.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("seq asc").
		Find(&modelList).Error
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to load messages: " + err.Error())
	}

	msgs := make([]entity.Message, 0, len(modelList))
	for i := range modelList {
		msg, err := toMessage(&modelList[i])
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (r *GormSessionRepository) Append(ctx context.Context, id string, msgs ...entity.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int
		row := tx.Model(&models.MessageModel{}).
			Where("session_id = ?", id).
			Select("COALESCE(MAX(seq), 0)")
		if err := row.Scan(&maxSeq).Error; err != nil {
			return domainErrors.NewInternalError("failed to read message sequence: " + err.Error())
		}

		for i, msg := range msgs {
			model, err := toMessageModel(id, maxSeq+1+i, msg)
			if err != nil {
				return err
			}
			if err := tx.Create(model).Error; err != nil {
				return domainErrors.NewInternalError("failed to append message: " + err.Error())
			}
		}

		return tx.Model(&models.SessionModel{}).
			Where("id = ?", id).
			Update("updated_at", time.Now().UTC()).Error
	})
}

func (r *GormSessionRepository) Replace(ctx context.Context, id string, msgs []entity.Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Delete(&models.MessageModel{}, "session_id = ?", id).Error; err != nil {
			return domainErrors.NewInternalError("failed to clear messages: " + err.Error())
		}
		for i, msg := range msgs {
			model, err := toMessageModel(id, i+1, msg)
			if err != nil {
				return err
			}
			if err := tx.Create(model).Error; err != nil {
				return domainErrors.NewInternalError("failed to write message: " + err.Error())
			}
		}
		return tx.Model(&models.SessionModel{}).
			Where("id = ?", id).
			Update("updated_at", time.Now().UTC()).Error
	})
}

func (r *GormSessionRepository) Fork(ctx context.Context, id, fromMessageID string) (repository.SessionInfo, error) {
	src, err := r.Get(ctx, id)
	if err != nil {
		return repository.SessionInfo{}, err
	}
	msgs, err := r.Messages(ctx, id)
	if err != nil {
		return repository.SessionInfo{}, err
	}

	if fromMessageID != "" {
		cut := -1
		for i, m := range msgs {
			if m.ID == fromMessageID {
				cut = i
				break
			}
		}
		if cut < 0 {
			return repository.SessionInfo{}, domainErrors.NewNotFoundError("fork point not found")
		}
		msgs = msgs[:cut+1]
	}

	forked, err := r.Create(ctx, src.Title+" (fork)")
	if err != nil {
		return repository.SessionInfo{}, err
	}
	if err := r.SetAgent(ctx, forked.ID, src.Agent); err != nil {
		return repository.SessionInfo{}, err
	}
	if err := r.Replace(ctx, forked.ID, msgs); err != nil {
		return repository.SessionInfo{}, err
	}
	forked.Agent = src.Agent
	return forked, nil
}

func (r *GormSessionRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&models.MessageModel{}, "session_id = ?", id).Error; err != nil {
			return domainErrors.NewInternalError("failed to delete messages: " + err.Error())
		}
		result := tx.Delete(&models.SessionModel{}, "id = ?", id)
		if result.Error != nil {
			return domainErrors.NewInternalError("failed to delete session: " + result.Error.Error())
		}
		if result.RowsAffected == 0 {
			return domainErrors.NewNotFoundError("session not found")
		}
		return nil
	})
}

func toSessionInfo(m *models.SessionModel) repository.SessionInfo {
	return repository.SessionInfo{
		ID:        m.ID,
		Title:     m.Title,
		Agent:     m.Agent,
		Shared:    m.Shared,
		ShareURL:  m.ShareURL,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func toMessageModel(sessionID string, seq int, msg entity.Message) (*models.MessageModel, error) {
	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return nil, domainErrors.NewInternalError("failed to marshal message parts: " + err.Error())
	}
	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &models.MessageModel{
		ID:        id,
		SessionID: sessionID,
		Seq:       seq,
		Role:      string(msg.Role),
		Parts:     string(parts),
		CreatedAt: msg.Timestamp,
	}, nil
}

func toMessage(m *models.MessageModel) (entity.Message, error) {
	var parts []entity.ContentPart
	if m.Parts != "" {
		if err := json.Unmarshal([]byte(m.Parts), &parts); err != nil {
			return entity.Message{}, domainErrors.NewInternalError("failed to unmarshal message parts: " + err.Error())
		}
	}
	return entity.Message{
		ID:        m.ID,
		Role:      entity.Role(m.Role),
		Parts:     parts,
		Timestamp: m.CreatedAt,
	}, nil
}
