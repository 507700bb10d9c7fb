// Package audit keeps a trail of state-changing admin requests.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/db"
	"github.com/noah-isme/backend-checkout/internal/obs"
)

// Entry is one recorded admin action.
type Entry struct {
	ID           uuid.UUID       `json:"id"`
	ActorID      *uuid.UUID      `json:"actorId,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Method       string          `json:"method"`
	Path         string          `json:"path"`
	Status       int             `json:"status"`
	IP           string          `json:"ip,omitempty"`
	RequestID    string          `json:"requestId,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store persists audit entries.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	List(ctx context.Context, resourceType string, limit, offset int) ([]Entry, int64, error)
}

// PGStore implements Store on the admin_audit_log table.
type PGStore struct {
	DB db.DBTX
}

func (s PGStore) Insert(ctx context.Context, e Entry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO admin_audit_log (actor_id, action, resource_type, resource_id, method, path, status, ip, request_id, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10)`,
		e.ActorID, e.Action, e.ResourceType, e.ResourceID, e.Method, e.Path, e.Status, e.IP, e.RequestID, nullJSON(e.Metadata),
	)
	return err
}

func (s PGStore) List(ctx context.Context, resourceType string, limit, offset int) ([]Entry, int64, error) {
	var total int64
	if err := s.DB.QueryRow(ctx, `
		SELECT count(*) FROM admin_audit_log WHERE ($1 = '' OR resource_type = $1)`, resourceType,
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id, actor_id, action, resource_type, coalesce(resource_id, ''), method, path, status,
		       coalesce(ip, ''), coalesce(request_id, ''), metadata, created_at
		FROM admin_audit_log
		WHERE ($1 = '' OR resource_type = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, resourceType, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Method, &e.Path,
			&e.Status, &e.IP, &e.RequestID, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// Service records audit entries when enabled.
type Service struct {
	Store   Store
	Enabled bool
	Logger  zerolog.Logger
}

// Record stores an entry describing req and the status it produced. An empty
// action or resource type is derived from the matched route pattern.
func (s Service) Record(ctx context.Context, req *http.Request, status int, action, resourceType, resourceID string, metadata map[string]any) error {
	if !s.Enabled {
		return nil
	}
	if req == nil {
		return errors.New("audit: request is required")
	}
	if s.Store == nil {
		return errors.New("audit: store not configured")
	}
	route := obs.RoutePatternFromContext(req.Context())
	if route == "" {
		route = req.URL.Path
	}
	if status == 0 {
		status = http.StatusOK
	}
	e := Entry{
		Action:       buildAction(action, req.Method, route),
		ResourceType: buildResource(resourceType, route),
		ResourceID:   strings.TrimSpace(resourceID),
		Method:       req.Method,
		Path:         req.URL.Path,
		Status:       status,
		IP:           common.ClientIP(req),
		RequestID:    middleware.GetReqID(ctx),
	}
	if e.RequestID == "" {
		e.RequestID = strings.TrimSpace(req.Header.Get("X-Request-ID"))
	}
	if uid, ok := common.UserID(ctx); ok {
		if parsed, err := uuid.Parse(uid); err == nil {
			e.ActorID = &parsed
		}
	}
	if len(metadata) > 0 {
		if data, err := json.Marshal(metadata); err == nil {
			e.Metadata = data
		}
	}
	return s.Store.Insert(ctx, e)
}

func buildAction(action, method, route string) string {
	if trimmed := strings.TrimSpace(action); trimmed != "" {
		return trimmed
	}
	if route == "" {
		route = "/"
	}
	return strings.ToUpper(method) + " " + route
}

// buildResource turns /api/v1/admin/products/{id} into "products".
func buildResource(resourceType, route string) string {
	if trimmed := strings.TrimSpace(resourceType); trimmed != "" {
		return trimmed
	}
	var parts []string
	for _, seg := range strings.Split(strings.Trim(route, "/"), "/") {
		if seg == "" || strings.HasPrefix(seg, "{") {
			continue
		}
		switch seg {
		case "api", "v1", "admin":
			continue
		}
		parts = append(parts, seg)
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, ".")
}
