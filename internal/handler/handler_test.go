package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/middleware"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
)

type stubService struct {
	respondResult model.Result

	pendingResp []model.EnrollmentRequest
	pendingErr  error

	cardsResp []model.LoyaltyCard
	cardsErr  error

	notificationsResp []model.Notification
	notificationsErr  error

	markReadErr error
}

func (s *stubService) RespondToEnrollment(ctx context.Context, requestID string, approved bool) model.Result {
	return s.respondResult
}

func (s *stubService) GetPendingRequests(ctx context.Context, customerID string) ([]model.EnrollmentRequest, error) {
	return s.pendingResp, s.pendingErr
}

func (s *stubService) GetCardsByCustomer(ctx context.Context, customerID string) ([]model.LoyaltyCard, error) {
	return s.cardsResp, s.cardsErr
}

func (s *stubService) GetNotifications(ctx context.Context, recipientID string) ([]model.Notification, error) {
	return s.notificationsResp, s.notificationsErr
}

func (s *stubService) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	return s.markReadErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth, nil)
}

func doAuthorized(t *testing.T, h *Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)

	cookieRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(cookieRec, "c-1")
	req.AddCookie(cookieRec.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	return rec
}

func TestRespond_Success(t *testing.T) {
	svc := &stubService{
		respondResult: model.Result{Success: true, Message: "enrollment approved", CardID: "card-1"},
	}
	h := newTestHandler(t, svc)

	rec := doAuthorized(t, h, http.MethodPost, "/api/enrollments/r-1/respond", []byte(`{"approved":true}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var res model.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Success || res.CardID != "card-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRespond_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		result     model.Result
		wantStatus int
	}{
		{
			name:       "not found",
			result:     model.Result{ErrorCode: "REQUEST_NOT_FOUND", Message: "enrollment request not found"},
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "already processed",
			result:     model.Result{ErrorCode: "ALREADY_PROCESSED", Message: "enrollment request already processed"},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "card creation failed",
			result:     model.Result{ErrorCode: "CARD_CREATION_FAILED", Message: "failed to issue loyalty card"},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{respondResult: tt.result})

			rec := doAuthorized(t, h, http.MethodPost, "/api/enrollments/r-1/respond", []byte(`{"approved":false}`))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var res model.Result
			if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if res.Success || res.ErrorCode != tt.result.ErrorCode {
				t.Fatalf("unexpected result: %+v", res)
			}
		})
	}
}

func TestRespond_MissingApprovedField(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := doAuthorized(t, h, http.MethodPost, "/api/enrollments/r-1/respond", []byte(`{}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestRespond_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/enrollments/r-1/respond", bytes.NewReader([]byte(`{"approved":true}`)))
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetCards_NoContent(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	rec := doAuthorized(t, h, http.MethodGet, "/api/cards", nil)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
}

func TestGetCards_JSONResponse(t *testing.T) {
	svc := &stubService{
		cardsResp: []model.LoyaltyCard{
			{
				ID:         "card-1",
				CustomerID: "c-1",
				BusinessID: "b-1",
				ProgramID:  "p-1",
				Number:     "GC-123456-0042",
				Tier:       model.CardTierStandard,
				Multiplier: decimal.NewFromInt(1),
				Active:     true,
				CreatedAt:  time.Now().UTC(),
			},
		},
	}
	h := newTestHandler(t, svc)

	rec := doAuthorized(t, h, http.MethodGet, "/api/cards", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp []cardResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode cards: %v", err)
	}
	if len(resp) != 1 || resp[0].Number != "GC-123456-0042" || resp[0].Tier != "STANDARD" {
		t.Fatalf("unexpected cards: %+v", resp)
	}
}

func TestGetPendingEnrollments_JSONResponse(t *testing.T) {
	svc := &stubService{
		pendingResp: []model.EnrollmentRequest{
			{
				ID:           "r-1",
				CustomerID:   "c-1",
				BusinessID:   "b-1",
				ProgramID:    "p-1",
				ProgramName:  "Coffee Club",
				BusinessName: "Roasters",
				Status:       model.RequestStatusPending,
				CreatedAt:    time.Now().UTC(),
			},
		},
	}
	h := newTestHandler(t, svc)

	rec := doAuthorized(t, h, http.MethodGet, "/api/enrollments/pending", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp []enrollmentRequestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode requests: %v", err)
	}
	if len(resp) != 1 || resp[0].ProgramName != "Coffee Club" || resp[0].Status != "PENDING" {
		t.Fatalf("unexpected requests: %+v", resp)
	}
}

func TestMarkNotificationRead_NotFound(t *testing.T) {
	svc := &stubService{markReadErr: repository.ErrNotificationNotFound}
	h := newTestHandler(t, svc)

	rec := doAuthorized(t, h, http.MethodPost, "/api/notifications/n-1/read", nil)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
