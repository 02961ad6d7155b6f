// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
)

const maxJSONBodyBytes = 1 << 20

// Authenticator extracts the calling actor from an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Actor, error)
}

// HTTPHandlers exposes the service over HTTP.
type HTTPHandlers struct {
	service       *Service
	authenticator Authenticator
	logger        *slog.Logger
}

// NewHTTPHandlers creates a new instance of the handlers
func NewHTTPHandlers(service *Service, authenticator Authenticator, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// Register mounts every route on mux. Authenticated routes are wrapped with authMiddleware
// when it is not nil; handlers otherwise authenticate through the Authenticator.
func (h *HTTPHandlers) Register(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		if authMiddleware == nil {
			return fn
		}
		return authMiddleware(fn)
	}

	mux.HandleFunc("GET /health", h.HandleHealth)

	mux.Handle("POST /visits/sync", wrap(h.HandleSyncVisit))
	mux.Handle("POST /visits", wrap(h.HandleCreateVisit))
	mux.Handle("GET /visits/{id}", wrap(h.HandleGetVisit))

	mux.Handle("POST /orders/sync", wrap(h.HandleSyncOrder))
	mux.Handle("POST /orders", wrap(h.HandleCreateOrder))
	mux.Handle("GET /orders/{id}", wrap(h.HandleGetOrder))
	mux.Handle("PATCH /orders/{id}/status", wrap(h.HandleUpdateOrderStatus))

	mux.Handle("POST /photos/sync", wrap(h.HandleSyncPhoto))
	mux.Handle("POST /photos", wrap(h.HandleCreatePhoto))
	mux.Handle("GET /photos/{id}", wrap(h.HandleGetPhoto))
	mux.Handle("GET /photos/{id}/content", wrap(h.HandlePhotoContent))
}

// HandleHealth reports process and database liveness. Agents probe it for connectivity.
func (h *HTTPHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Warn("Health check failed", "error", err)
		writeJSON(w, h.logger, http.StatusServiceUnavailable, DataResponse{
			Success: false,
			Data:    HealthResponse{Status: "degraded", Database: "unreachable"},
		})
		return
	}
	writeJSON(w, h.logger, http.StatusOK, DataResponse{
		Success: true,
		Data:    HealthResponse{Status: "ok", Database: "ok"},
	})
}

// HandleSyncVisit processes POST /visits/sync
func (h *HTTPHandlers) HandleSyncVisit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req VisitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.service.SyncVisit(r.Context(), actor, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, out)
}

// HandleCreateVisit processes POST /visits
func (h *HTTPHandlers) HandleCreateVisit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req VisitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.service.CreateVisit(r.Context(), actor, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, out)
}

// HandleGetVisit processes GET /visits/{id}
func (h *HTTPHandlers) HandleGetVisit(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	out, err := h.service.GetVisit(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, out)
}

// HandleSyncOrder processes POST /orders/sync
func (h *HTTPHandlers) HandleSyncOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req OrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.service.SyncOrder(r.Context(), actor, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, createdOrReplayed(out.Replayed), out)
}

// HandleCreateOrder processes POST /orders
func (h *HTTPHandlers) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req OrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.service.CreateOrder(r.Context(), actor, &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, out)
}

// HandleGetOrder processes GET /orders/{id}
func (h *HTTPHandlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	out, err := h.service.GetOrder(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, out)
}

// HandleUpdateOrderStatus processes PATCH /orders/{id}/status
func (h *HTTPHandlers) HandleUpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req OrderStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.service.UpdateOrderStatus(r.Context(), actor, r.PathValue("id"), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, out)
}

// HandleSyncPhoto processes POST /photos/sync (multipart)
func (h *HTTPHandlers) HandleSyncPhoto(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, err := h.parsePhotoForm(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.service.SyncPhoto(r.Context(), actor, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, createdOrReplayed(out.Replayed), out)
}

// HandleCreatePhoto processes POST /photos (multipart)
func (h *HTTPHandlers) HandleCreatePhoto(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	req, err := h.parsePhotoForm(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out, err := h.service.CreatePhoto(r.Context(), actor, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, out)
}

// HandleGetPhoto processes GET /photos/{id}
func (h *HTTPHandlers) HandleGetPhoto(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	out, err := h.service.GetPhoto(r.Context(), actor, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, out)
}

// HandlePhotoContent processes GET /photos/{id}/content; ?thumbnail=true serves the thumbnail.
func (h *HTTPHandlers) HandlePhotoContent(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	thumbnail := r.URL.Query().Get("thumbnail") == "true"
	data, contentType, err := h.service.GetPhotoContent(r.Context(), actor, r.PathValue("id"), thumbnail)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error("Failed to write photo content", "error", err, "photo_id", r.PathValue("id"))
	}
}

func (h *HTTPHandlers) parsePhotoForm(w http.ResponseWriter, r *http.Request) (*PhotoRequest, error) {
	maxBytes := h.service.config.MaxPhotoBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+maxJSONBodyBytes)
	if err := r.ParseMultipartForm(maxBytes + maxJSONBodyBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fielderr.Validation("photo upload exceeds %d bytes", maxBytes).WithDetail("maxSize", maxBytes)
		}
		return nil, fielderr.Validation("invalid multipart form: %v", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, fielderr.Validation("file is required").WithDetail("fields", map[string]any{"file": "required"})
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		return nil, fielderr.Validation("failed to read file: %v", err)
	}

	return &PhotoRequest{
		OfflineID:   r.FormValue("offline_id"),
		VisitID:     r.FormValue("visit_id"),
		Caption:     r.FormValue("caption"),
		ContentType: header.Header.Get("Content-Type"),
		Content:     data,
	}, nil
}

// actor returns the actor stored by the auth middleware, falling back to the Authenticator.
func (h *HTTPHandlers) actor(w http.ResponseWriter, r *http.Request) (auth.Actor, bool) {
	if actor, ok := auth.GetActor(r.Context()); ok {
		return actor, true
	}
	if h.authenticator != nil {
		actor, err := h.authenticator.Authenticate(r)
		if err == nil {
			return actor, true
		}
		writeJSON(w, h.logger, http.StatusUnauthorized, ErrorResponse{Error: fielderr.CodeUnauthenticated, Message: err.Error()})
		return auth.Actor{}, false
	}
	writeJSON(w, h.logger, http.StatusUnauthorized, ErrorResponse{Error: fielderr.CodeUnauthenticated, Message: "authentication required"})
	return auth.Actor{}, false
}

func createdOrReplayed(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fielderr.Validation("failed to parse request body: %v", err)
	}
	return nil
}

func (h *HTTPHandlers) writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, h.logger, status, DataResponse{Success: true, Data: data})
}

// writeError maps err onto its HTTP status. Internal errors are logged and answered without
// their detail.
func (h *HTTPHandlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := fielderr.HTTPStatus(err)
	resp := ErrorResponse{
		Error:   fielderr.CodeOf(err),
		Message: errorMessage(err),
		Details: fielderr.Details(err),
	}

	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Message = "internal error"
		resp.Details = nil
	case resp.Error == fielderr.CodeAlreadySynced:
		h.logger.Debug("Replay answered", "path", r.URL.Path, "details", resp.Details)
	default:
		h.logger.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, h.logger, status, resp)
}

func errorMessage(err error) string {
	var pe *fielderr.ProximityError
	if errors.As(err, &pe) {
		return pe.Error()
	}
	var fe *fielderr.Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}
