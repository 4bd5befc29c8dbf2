// Package handler содержит HTTP-обработчики API сервиса лояльности.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/middleware"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RespondToEnrollment(ctx context.Context, requestID string, approved bool) model.Result
	GetPendingRequests(ctx context.Context, customerID string) ([]model.EnrollmentRequest, error)
	GetCardsByCustomer(ctx context.Context, customerID string) ([]model.LoyaltyCard, error)
	GetNotifications(ctx context.Context, recipientID string) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id, recipientID string) error
}

// SyncHub описывает контракт websocket-подписок на события синхронизации.
type SyncHub interface {
	Handle(w http.ResponseWriter, r *http.Request, actorID string) error
}

// Handler реализует HTTP-обработчики API сервиса лояльности.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	hub            SyncHub
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов. Хаб
// необязателен: без него websocket-подписки отвечают 503.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, hub SyncHub) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		hub:            hub,
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

type respondRequest struct {
	Approved *bool `json:"approved"`
}

func statusForResult(res model.Result) int {
	if res.Success {
		return http.StatusOK
	}

	switch res.ErrorCode {
	case service.ErrCodeRequestNotFound:
		return http.StatusNotFound
	case service.ErrCodeAlreadyProcessed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// RespondToEnrollment обрабатывает ответ на приглашение в программу лояльности.
func (h *Handler) RespondToEnrollment(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetActorIDFromContext(r.Context()); !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	requestID := chi.URLParam(r, "requestID")
	if requestID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Approved == nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res := h.service.RespondToEnrollment(r.Context(), requestID, *req.Approved)

	writeJSON(w, statusForResult(res), res)
}

type enrollmentRequestResponse struct {
	ID           string `json:"id"`
	ProgramID    string `json:"program_id"`
	ProgramName  string `json:"program_name"`
	BusinessID   string `json:"business_id"`
	BusinessName string `json:"business_name"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

// GetPendingEnrollments возвращает необработанные приглашения текущего клиента.
func (h *Handler) GetPendingEnrollments(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	requests, err := h.service.GetPendingRequests(r.Context(), actorID)
	if err != nil {
		h.logger.Error("get pending enrollments error", zap.Error(err), zap.String("actor", actorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(requests) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]enrollmentRequestResponse, 0, len(requests))
	for _, req := range requests {
		resp = append(resp, enrollmentRequestResponse{
			ID:           req.ID,
			ProgramID:    req.ProgramID,
			ProgramName:  req.ProgramName,
			BusinessID:   req.BusinessID,
			BusinessName: req.BusinessName,
			Status:       string(req.Status),
			CreatedAt:    req.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type cardResponse struct {
	ID         string `json:"id"`
	Number     string `json:"number"`
	ProgramID  string `json:"program_id"`
	BusinessID string `json:"business_id"`
	Tier       string `json:"tier"`
	Points     int64  `json:"points"`
	Multiplier string `json:"multiplier"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at"`
}

// GetCards возвращает карты лояльности текущего клиента.
func (h *Handler) GetCards(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	cards, err := h.service.GetCardsByCustomer(r.Context(), actorID)
	if err != nil {
		h.logger.Error("get cards error", zap.Error(err), zap.String("actor", actorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(cards) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]cardResponse, 0, len(cards))
	for _, c := range cards {
		resp = append(resp, cardResponse{
			ID:         c.ID,
			Number:     c.Number,
			ProgramID:  c.ProgramID,
			BusinessID: c.BusinessID,
			Tier:       c.Tier,
			Points:     c.Points,
			Multiplier: c.Multiplier.String(),
			Active:     c.Active,
			CreatedAt:  c.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type notificationResponse struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Message        string         `json:"message"`
	Data           map[string]any `json:"data,omitempty"`
	RequiresAction bool           `json:"requires_action"`
	ActionTaken    bool           `json:"action_taken"`
	IsRead         bool           `json:"is_read"`
	CreatedAt      string         `json:"created_at"`
}

// GetNotifications возвращает последние уведомления текущего актора.
func (h *Handler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	notifications, err := h.service.GetNotifications(r.Context(), actorID)
	if err != nil {
		h.logger.Error("get notifications error", zap.Error(err), zap.String("actor", actorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(notifications) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]notificationResponse, 0, len(notifications))
	for _, n := range notifications {
		resp = append(resp, notificationResponse{
			ID:             n.ID,
			Type:           string(n.Type),
			Title:          n.Title,
			Message:        n.Message,
			Data:           n.Data,
			RequiresAction: n.RequiresAction,
			ActionTaken:    n.ActionTaken,
			IsRead:         n.IsRead,
			CreatedAt:      n.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// MarkNotificationRead помечает уведомление текущего актора прочитанным.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	notificationID := chi.URLParam(r, "notificationID")
	if notificationID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.MarkNotificationRead(r.Context(), notificationID, actorID)
	if err != nil {
		if errors.Is(err, repository.ErrNotificationNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("mark notification read error", zap.Error(err), zap.String("notification", notificationID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// SyncWS открывает websocket-подписку текущего актора на события синхронизации.
func (h *Handler) SyncWS(w http.ResponseWriter, r *http.Request) {
	actorID, ok := middleware.GetActorIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if h.hub == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	if err := h.hub.Handle(w, r, actorID); err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("actor", actorID))
	}
}
