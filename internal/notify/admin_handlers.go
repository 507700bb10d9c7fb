package notify

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/noah-isme/backend-checkout/internal/common"
	"github.com/noah-isme/backend-checkout/internal/events"
)

// AdminHandler exposes management endpoints for webhook configuration and monitoring.
type AdminHandler struct {
	Store             Store
	Disp              *Dispatcher
	AllowInsecureHTTP bool
}

type endpointRequest struct {
	Name   string   `json:"name" validate:"required,max=120"`
	URL    string   `json:"url" validate:"required,url"`
	Secret string   `json:"secret" validate:"required,min=16"`
	Active *bool    `json:"active"`
	Topics []string `json:"topics"`
}

// Routes mounts the admin webhook routes.
func (h *AdminHandler) Routes(r chi.Router) {
	r.Get("/webhook-endpoints", h.ListEndpoints)
	r.Post("/webhook-endpoints", h.CreateEndpoint)
	r.Put("/webhook-endpoints/{id}", h.UpdateEndpoint)
	r.Delete("/webhook-endpoints/{id}", h.DeleteEndpoint)
	r.Get("/webhook-deliveries", h.ListDeliveries)
	r.Get("/webhook-deliveries/{id}", h.GetDelivery)
	r.Post("/webhook-deliveries/{id}/retry", h.RetryDelivery)
	r.Post("/webhook-deliveries/{id}/archive", h.ArchiveDelivery)
}

func (h *AdminHandler) ready(w http.ResponseWriter) bool {
	if h == nil || h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "webhook store unavailable", nil)
		return false
	}
	return true
}

func (h *AdminHandler) decodeEndpoint(w http.ResponseWriter, r *http.Request) (Endpoint, bool) {
	var req endpointRequest
	if err := common.DecodeJSON(r, &req); err != nil {
		common.WriteError(w, err)
		return Endpoint{}, false
	}
	if err := ValidateURL(req.URL, h.AllowInsecureHTTP); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return Endpoint{}, false
	}
	topics, unknown := normaliseTopics(req.Topics)
	if len(unknown) > 0 {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown topics", map[string]any{"topics": unknown})
		return Endpoint{}, false
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	return Endpoint{
		Name:   strings.TrimSpace(req.Name),
		URL:    strings.TrimSpace(req.URL),
		Secret: req.Secret,
		Topics: topics,
		Active: active,
	}, true
}

// CreateEndpoint registers a new webhook endpoint.
func (h *AdminHandler) CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	ep, ok := h.decodeEndpoint(w, r)
	if !ok {
		return
	}
	created, err := h.Store.CreateEndpoint(r.Context(), ep)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, created)
}

// UpdateEndpoint replaces an existing webhook endpoint.
func (h *AdminHandler) UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, err := parseUUID(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	ep, ok := h.decodeEndpoint(w, r)
	if !ok {
		return
	}
	ep.ID = id
	updated, err := h.Store.UpdateEndpoint(r.Context(), ep)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, updated)
}

// ListEndpoints returns configured webhook endpoints.
func (h *AdminHandler) ListEndpoints(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	limit, offset := pagination(r)
	endpoints, err := h.Store.ListEndpoints(r.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if endpoints == nil {
		endpoints = []Endpoint{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": endpoints})
}

// DeleteEndpoint removes an endpoint by ID.
func (h *AdminHandler) DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, err := parseUUID(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	if err := h.Store.DeleteEndpoint(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListDeliveries returns webhook deliveries with optional filtering.
func (h *AdminHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	q := r.URL.Query()
	filter := DeliveryFilter{Status: strings.ToLower(strings.TrimSpace(q.Get("status")))}
	if filter.Status != "" && !validStatus(filter.Status) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid status", nil)
		return
	}
	var err error
	if filter.EndpointID, err = parseUUIDOptional(q.Get("endpointId")); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid endpointId", nil)
		return
	}
	if filter.EventID, err = parseUUIDOptional(q.Get("eventId")); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid eventId", nil)
		return
	}
	if raw := strings.TrimSpace(q.Get("archived")); raw != "" {
		archived, err := strconv.ParseBool(raw)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid archived flag", nil)
			return
		}
		filter.Archived = &archived
	}
	filter.Limit, filter.Offset = pagination(r)
	rows, total, err := h.Store.ListDeliveries(r.Context(), filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if rows == nil {
		rows = []Delivery{}
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": rows, "total": total})
}

// GetDelivery returns a single delivery with its last attempt details.
func (h *AdminHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, err := parseUUID(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	del, err := h.Store.GetDelivery(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, del)
}

// RetryDelivery resets a delivery and enqueues it again.
func (h *AdminHandler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if h.Disp == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "dispatcher unavailable", nil)
		return
	}
	id, err := parseUUID(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	del, err := h.Disp.Retry(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	common.JSON(w, http.StatusAccepted, del)
}

// ArchiveDelivery hides a delivery from the default listing and stops further attempts.
func (h *AdminHandler) ArchiveDelivery(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	id, err := parseUUID(chi.URLParam(r, "id"))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid id", nil)
		return
	}
	del, err := h.Store.Archive(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, del)
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "not found", nil)
	case errors.Is(err, ErrInFlight):
		common.JSONError(w, http.StatusConflict, "IN_FLIGHT", "delivery is being sent", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
	}
}

func validStatus(s string) bool {
	switch s {
	case StatusPending, StatusDelivering, StatusDelivered, StatusFailed, StatusDead:
		return true
	}
	return false
}

func normaliseTopics(topics []string) ([]string, []string) {
	seen := make(map[string]struct{}, len(topics))
	result := make([]string, 0, len(topics))
	var unknown []string
	for _, topic := range topics {
		trimmed := strings.TrimSpace(strings.ToLower(topic))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if trimmed != "*" && !events.KnownTopic(trimmed) {
			unknown = append(unknown, trimmed)
			continue
		}
		result = append(result, trimmed)
	}
	return result, unknown
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= common.MaxPerPage {
			limit = parsed
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func parseUUIDOptional(value string) (*uuid.UUID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	id, err := parseUUID(value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}
