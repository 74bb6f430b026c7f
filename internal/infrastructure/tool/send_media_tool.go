package tool

import (
	"context"
	"fmt"
	"strings"

	domaintool "github.com/agentrunner/agentrunner/internal/domain/tool"
	"go.uber.org/zap"
)

// MediaSender abstracts pushing an Image/attachment content part (spec §3)
// out to whichever interface is attached to the current session — the
// websocket facade, the HTTP/SSE facade, or a local TUI render target.
type MediaSender interface {
	SendPhoto(sessionID string, path string, caption string) error
	SendDocument(sessionID string, path string, caption string) error
	SendMediaGroup(sessionID string, photoPaths []string, caption string) error
}

// sessionIDContextKey is a context key for passing the session ID to media tools.
// Duplicated from the application package to avoid a circular import.
type sessionIDContextKey struct{}

// WithSessionID stores the session ID in the context for use by media tools.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDContextKey{}, sessionID)
}

func sessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDContextKey{}).(string); ok {
		return v
	}
	return ""
}

// ──────────────────────────────────────────────────────────────
// SendPhotoTool — send_photo
// ──────────────────────────────────────────────────────────────

// SendPhotoTool pushes an image (local file or URL) to the interface
// attached to the current session, as an Image content part.
type SendPhotoTool struct {
	sender MediaSender
	logger *zap.Logger
}

func NewSendPhotoTool(sender MediaSender, logger *zap.Logger) *SendPhotoTool {
	return &SendPhotoTool{sender: sender, logger: logger}
}

func (t *SendPhotoTool) Name() string          { return "send_photo" }
func (t *SendPhotoTool) Kind() domaintool.Kind { return domaintool.KindCommunicate }
func (t *SendPhotoTool) Description() string {
	return `Push a photo to the interface attached to the current session. Accepts a local file path or an HTTP(S) URL.
Use this when the user requests an image, chart, screenshot, or any visual content.
The photo is delivered as an Image content part alongside the assistant's reply.`
}

func (t *SendPhotoTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Local file path or HTTP(S) URL of the photo to send",
			},
			"caption": map[string]interface{}{
				"type":        "string",
				"description": "Optional caption for the photo (supports Markdown)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *SendPhotoTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	path, _ := args["path"].(string)
	caption, _ := args["caption"].(string)

	if path == "" {
		return &domaintool.Result{Success: false, Error: "path is required"}, nil
	}

	sessionID := sessionIDFromContext(ctx)
	if sessionID == "" {
		return &domaintool.Result{
			Success: false,
			Error:   "send_photo requires an interface capable of displaying images (no session in context)",
		}, nil
	}

	t.logger.Info("sending photo",
		zap.String("session_id", sessionID),
		zap.String("path", path),
		zap.Bool("is_url", strings.HasPrefix(path, "http")),
	)

	if err := t.sender.SendPhoto(sessionID, path, caption); err != nil {
		return &domaintool.Result{
			Success: false,
			Error:   fmt.Sprintf("failed to send photo: %v", err),
		}, nil
	}

	return &domaintool.Result{
		Output:  fmt.Sprintf("photo sent to session %s", sessionID),
		Success: true,
		Metadata: map[string]interface{}{
			"session_id": sessionID,
			"path":       path,
		},
	}, nil
}

// ──────────────────────────────────────────────────────────────
// SendMediaGroupTool — send_media_group
// ──────────────────────────────────────────────────────────────

// SendMediaGroupTool pushes 2-10 photos to the session's interface as a
// single grouped attachment.
type SendMediaGroupTool struct {
	sender MediaSender
	logger *zap.Logger
}

func NewSendMediaGroupTool(sender MediaSender, logger *zap.Logger) *SendMediaGroupTool {
	return &SendMediaGroupTool{sender: sender, logger: logger}
}

func (t *SendMediaGroupTool) Name() string          { return "send_media_group" }
func (t *SendMediaGroupTool) Kind() domaintool.Kind { return domaintool.KindCommunicate }
func (t *SendMediaGroupTool) Description() string {
	return `Push multiple photos (2-10) to the interface attached to the current session as one grouped album.
Use this when the user wants to see several images at once.
Each photo can be a local file path or an HTTP(S) URL.`
}

func (t *SendMediaGroupTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"photos": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type": "string",
				},
				"minItems":    2,
				"maxItems":    10,
				"description": "Array of 2-10 local file paths or HTTP(S) URLs of photos to send as an album",
			},
			"caption": map[string]interface{}{
				"type":        "string",
				"description": "Optional caption for the album (shown under the first photo, supports Markdown)",
			},
		},
		"required": []string{"photos"},
	}
}

func (t *SendMediaGroupTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	caption, _ := args["caption"].(string)

	rawPhotos, ok := args["photos"]
	if !ok {
		return &domaintool.Result{Success: false, Error: "photos is required"}, nil
	}

	var photos []string
	switch v := rawPhotos.(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				photos = append(photos, s)
			}
		}
	case []string:
		photos = v
	default:
		return &domaintool.Result{Success: false, Error: "photos must be an array of strings"}, nil
	}

	if len(photos) < 2 {
		return &domaintool.Result{Success: false, Error: "media group requires at least 2 photos"}, nil
	}
	if len(photos) > 10 {
		return &domaintool.Result{Success: false, Error: "media group supports at most 10 photos"}, nil
	}

	sessionID := sessionIDFromContext(ctx)
	if sessionID == "" {
		return &domaintool.Result{
			Success: false,
			Error:   "send_media_group requires an interface capable of displaying images (no session in context)",
		}, nil
	}

	t.logger.Info("sending media group",
		zap.String("session_id", sessionID),
		zap.Int("photo_count", len(photos)),
	)

	if err := t.sender.SendMediaGroup(sessionID, photos, caption); err != nil {
		return &domaintool.Result{
			Success: false,
			Error:   fmt.Sprintf("failed to send media group: %v", err),
		}, nil
	}

	return &domaintool.Result{
		Output:  fmt.Sprintf("media group (%d photos) sent to session %s", len(photos), sessionID),
		Success: true,
		Metadata: map[string]interface{}{
			"session_id":  sessionID,
			"photo_count": len(photos),
		},
	}, nil
}

// ──────────────────────────────────────────────────────────────
// SendDocumentTool — send_document
// ──────────────────────────────────────────────────────────────

// SendDocumentTool pushes a file/document to the interface attached to
// the current session.
type SendDocumentTool struct {
	sender MediaSender
	logger *zap.Logger
}

func NewSendDocumentTool(sender MediaSender, logger *zap.Logger) *SendDocumentTool {
	return &SendDocumentTool{sender: sender, logger: logger}
}

func (t *SendDocumentTool) Name() string          { return "send_document" }
func (t *SendDocumentTool) Kind() domaintool.Kind { return domaintool.KindCommunicate }
func (t *SendDocumentTool) Description() string {
	return `Push a document/file to the interface attached to the current session. Accepts a local file path.
Use this when the user requests a file download, report, log, or any non-image file.
Supports any file type: PDF, CSV, ZIP, text, code files, etc.`
}

func (t *SendDocumentTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "Local file path of the document to send",
			},
			"caption": map[string]interface{}{
				"type":        "string",
				"description": "Optional caption for the document",
			},
		},
		"required": []string{"path"},
	}
}

func (t *SendDocumentTool) Execute(ctx context.Context, args map[string]interface{}) (*domaintool.Result, error) {
	path, _ := args["path"].(string)
	caption, _ := args["caption"].(string)

	if path == "" {
		return &domaintool.Result{Success: false, Error: "path is required"}, nil
	}

	sessionID := sessionIDFromContext(ctx)
	if sessionID == "" {
		return &domaintool.Result{
			Success: false,
			Error:   "send_document requires an interface capable of displaying attachments (no session in context)",
		}, nil
	}

	t.logger.Info("sending document",
		zap.String("session_id", sessionID),
		zap.String("path", path),
	)

	if err := t.sender.SendDocument(sessionID, path, caption); err != nil {
		return &domaintool.Result{
			Success: false,
			Error:   fmt.Sprintf("failed to send document: %v", err),
		}, nil
	}

	return &domaintool.Result{
		Output:  fmt.Sprintf("document sent to session %s", sessionID),
		Success: true,
		Metadata: map[string]interface{}{
			"session_id": sessionID,
			"path":       path,
		},
	}, nil
}
