package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/cardnum"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
)

type stubRepo struct {
	request    *model.EnrollmentRequest
	requestErr error

	commitStatuses []model.RequestStatus
	commitErr      error

	enrollCalls int
	enrollErr   error

	existingCard   *model.LoyaltyCard
	winnerCard     *model.LoyaltyCard
	createdCards   []*model.LoyaltyCard
	createAttempts int
	createCardErr  error

	relationshipCalls int
	relationshipErr   error

	notifications []*model.Notification
	notifyErr     error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) GetEnrollmentRequest(ctx context.Context, id string) (*model.EnrollmentRequest, error) {
	if s.requestErr != nil {
		return nil, s.requestErr
	}
	return s.request, nil
}

func (s *stubRepo) GetPendingRequestsByCustomer(ctx context.Context, customerID string) ([]model.EnrollmentRequest, error) {
	return nil, nil
}

func (s *stubRepo) CommitDecision(ctx context.Context, requestID string, status model.RequestStatus) error {
	if s.commitErr != nil {
		return s.commitErr
	}
	s.commitStatuses = append(s.commitStatuses, status)
	return nil
}

func (s *stubRepo) EnsureEnrollment(ctx context.Context, customerID, programID, businessID string) error {
	s.enrollCalls++
	return s.enrollErr
}

func (s *stubRepo) GetCardByCustomerProgram(ctx context.Context, customerID, programID string) (*model.LoyaltyCard, error) {
	if s.existingCard != nil {
		return s.existingCard, nil
	}
	// Повторный поиск после попытки вставки находит карту победителя гонки
	if s.createAttempts > 0 && s.winnerCard != nil {
		return s.winnerCard, nil
	}
	return nil, repository.ErrCardNotFound
}

func (s *stubRepo) CreateCard(ctx context.Context, card *model.LoyaltyCard) error {
	s.createAttempts++
	if s.createCardErr != nil {
		return s.createCardErr
	}
	s.createdCards = append(s.createdCards, card)
	return nil
}

func (s *stubRepo) GetCardsByCustomer(ctx context.Context, customerID string) ([]model.LoyaltyCard, error) {
	return nil, nil
}

func (s *stubRepo) UpsertRelationship(ctx context.Context, customerID, businessID string) error {
	s.relationshipCalls++
	return s.relationshipErr
}

func (s *stubRepo) CreateNotification(ctx context.Context, n *model.Notification) error {
	if s.notifyErr != nil {
		return s.notifyErr
	}
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *stubRepo) GetNotificationsByRecipient(ctx context.Context, recipientID string, limit int) ([]model.Notification, error) {
	return nil, nil
}

func (s *stubRepo) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	return nil
}

type stubBroadcaster struct {
	events []model.SyncEvent
}

func (b *stubBroadcaster) Publish(ctx context.Context, ev model.SyncEvent) {
	b.events = append(b.events, ev)
}

func pendingRequest() *model.EnrollmentRequest {
	return &model.EnrollmentRequest{
		ID:           "r-1",
		CustomerID:   "c-1",
		BusinessID:   "b-1",
		ProgramID:    "p-1",
		ProgramName:  "Coffee Club",
		BusinessName: "Roasters",
		Status:       model.RequestStatusPending,
	}
}

func TestRespond_ApproveSuccess(t *testing.T) {
	repo := &stubRepo{request: pendingRequest()}
	broadcaster := &stubBroadcaster{}
	svc := NewService(repo, zap.NewNop(), broadcaster, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", true)

	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.CardID == "" {
		t.Fatalf("expected non-empty card id")
	}

	if len(repo.commitStatuses) != 1 || repo.commitStatuses[0] != model.RequestStatusApproved {
		t.Fatalf("commit statuses = %v, want [APPROVED]", repo.commitStatuses)
	}
	if repo.enrollCalls != 1 {
		t.Fatalf("enroll calls = %d, want 1", repo.enrollCalls)
	}
	if repo.relationshipCalls != 1 {
		t.Fatalf("relationship calls = %d, want 1", repo.relationshipCalls)
	}

	if len(repo.createdCards) != 1 {
		t.Fatalf("created cards = %d, want 1", len(repo.createdCards))
	}
	card := repo.createdCards[0]
	if card.ID != res.CardID {
		t.Fatalf("card id = %q, result card id = %q", card.ID, res.CardID)
	}
	if card.CustomerID != "c-1" || card.ProgramID != "p-1" {
		t.Fatalf("card owner = (%s, %s), want (c-1, p-1)", card.CustomerID, card.ProgramID)
	}
	if card.Points != 0 || card.Tier != model.CardTierStandard || !card.Active {
		t.Fatalf("unexpected card defaults: %+v", card)
	}
	if !cardnum.IsValid(card.Number) {
		t.Fatalf("card number %q does not match GC-XXXXXX-YYYY", card.Number)
	}
}

func TestRespond_ApproveNotifications(t *testing.T) {
	repo := &stubRepo{request: pendingRequest()}
	svc := NewService(repo, zap.NewNop(), nil, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", true)
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}

	if len(repo.notifications) != 2 {
		t.Fatalf("notifications = %d, want 2", len(repo.notifications))
	}

	recipients := map[string]bool{}
	for _, n := range repo.notifications {
		recipients[n.RecipientID] = true
		if n.Type != model.NotificationEnrollmentAccepted {
			t.Fatalf("notification type = %s, want ENROLLMENT_ACCEPTED", n.Type)
		}
		if n.ReferenceID != "r-1" {
			t.Fatalf("reference id = %q, want r-1", n.ReferenceID)
		}
		if n.RequiresAction || n.ActionTaken || n.IsRead {
			t.Fatalf("decision notification flags must be false: %+v", n)
		}
		if n.Data["card_id"] != res.CardID {
			t.Fatalf("notification data card_id = %v, want %s", n.Data["card_id"], res.CardID)
		}
	}
	if !recipients["c-1"] || !recipients["b-1"] {
		t.Fatalf("recipients = %v, want customer and business", recipients)
	}
}

func TestRespond_ApproveSyncEvents(t *testing.T) {
	repo := &stubRepo{request: pendingRequest()}
	broadcaster := &stubBroadcaster{}
	svc := NewService(repo, zap.NewNop(), broadcaster, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", true)
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}

	if len(broadcaster.events) != 2 {
		t.Fatalf("events = %d, want 2", len(broadcaster.events))
	}
	if broadcaster.events[0].Kind != model.SyncCardChanged || broadcaster.events[0].CardID != res.CardID {
		t.Fatalf("first event = %+v, want card_changed", broadcaster.events[0])
	}
	if broadcaster.events[1].Kind != model.SyncEnrollmentChanged {
		t.Fatalf("second event = %+v, want enrollment_changed", broadcaster.events[1])
	}
}

func TestRespond_RejectSuccess(t *testing.T) {
	repo := &stubRepo{request: pendingRequest()}
	broadcaster := &stubBroadcaster{}
	svc := NewService(repo, zap.NewNop(), broadcaster, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", false)

	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.CardID != "" {
		t.Fatalf("card id = %q, want empty on reject", res.CardID)
	}

	if len(repo.commitStatuses) != 1 || repo.commitStatuses[0] != model.RequestStatusRejected {
		t.Fatalf("commit statuses = %v, want [REJECTED]", repo.commitStatuses)
	}
	if repo.enrollCalls != 0 || len(repo.createdCards) != 0 || repo.relationshipCalls != 0 {
		t.Fatalf("reject path must not mutate enrollment, cards or relationships")
	}

	if len(repo.notifications) != 2 {
		t.Fatalf("notifications = %d, want 2", len(repo.notifications))
	}
	for _, n := range repo.notifications {
		if n.Type != model.NotificationEnrollmentRejected {
			t.Fatalf("notification type = %s, want ENROLLMENT_REJECTED", n.Type)
		}
	}

	if len(broadcaster.events) != 1 || broadcaster.events[0].Kind != model.SyncEnrollmentChanged {
		t.Fatalf("events = %+v, want single enrollment_changed", broadcaster.events)
	}
}

func TestRespond_RequestNotFound(t *testing.T) {
	repo := &stubRepo{requestErr: repository.ErrRequestNotFound}
	svc := NewService(repo, zap.NewNop(), nil, nil)

	res := svc.RespondToEnrollment(context.Background(), "does-not-exist", true)

	if res.Success || res.ErrorCode != ErrCodeRequestNotFound {
		t.Fatalf("result = %+v, want REQUEST_NOT_FOUND", res)
	}
	if len(repo.commitStatuses) != 0 || len(repo.notifications) != 0 {
		t.Fatalf("not-found response must make no state changes")
	}
}

func TestRespond_LookupFaultDegradesToNotFound(t *testing.T) {
	repo := &stubRepo{requestErr: errors.New("connection reset")}
	svc := NewService(repo, zap.NewNop(), nil, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", true)

	if res.Success || res.ErrorCode != ErrCodeRequestNotFound {
		t.Fatalf("result = %+v, want REQUEST_NOT_FOUND", res)
	}
}

func TestRespond_AlreadyProcessedStatus(t *testing.T) {
	for _, status := range []model.RequestStatus{model.RequestStatusApproved, model.RequestStatusRejected} {
		req := pendingRequest()
		req.Status = status
		repo := &stubRepo{request: req}
		svc := NewService(repo, zap.NewNop(), nil, nil)

		res := svc.RespondToEnrollment(context.Background(), "r-1", true)

		if res.Success || res.ErrorCode != ErrCodeAlreadyProcessed {
			t.Fatalf("status %s: result = %+v, want ALREADY_PROCESSED", status, res)
		}
		if len(repo.commitStatuses) != 0 || len(repo.notifications) != 0 || len(repo.createdCards) != 0 {
			t.Fatalf("status %s: repeated response must make no state changes", status)
		}
	}
}

func TestRespond_AlreadyProcessedOnCommitRace(t *testing.T) {
	repo := &stubRepo{
		request:   pendingRequest(),
		commitErr: repository.ErrAlreadyProcessed,
	}
	svc := NewService(repo, zap.NewNop(), nil, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", false)

	if res.Success || res.ErrorCode != ErrCodeAlreadyProcessed {
		t.Fatalf("result = %+v, want ALREADY_PROCESSED", res)
	}
}

func TestRespond_CardCreationFailed(t *testing.T) {
	repo := &stubRepo{
		request:       pendingRequest(),
		createCardErr: errors.New("insert failed"),
	}
	svc := NewService(repo, zap.NewNop(), nil, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", true)

	if res.Success || res.ErrorCode != ErrCodeCardCreationFailed {
		t.Fatalf("result = %+v, want CARD_CREATION_FAILED", res)
	}
	if res.ErrorLocation != "issue_card" {
		t.Fatalf("error location = %q, want issue_card", res.ErrorLocation)
	}
	if len(repo.notifications) != 0 {
		t.Fatalf("notifications must not be sent when card issuance fails")
	}
}

func TestRespond_ExistingCardReused(t *testing.T) {
	repo := &stubRepo{
		request:      pendingRequest(),
		existingCard: &model.LoyaltyCard{ID: "card-existing", CustomerID: "c-1", ProgramID: "p-1"},
	}
	svc := NewService(repo, zap.NewNop(), nil, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", true)

	if !res.Success || res.CardID != "card-existing" {
		t.Fatalf("result = %+v, want existing card id", res)
	}
	if len(repo.createdCards) != 0 {
		t.Fatalf("at most one card per (customer, program): no new card expected")
	}
}

func TestRespond_UniqueViolationFallsBackToWinner(t *testing.T) {
	repo := &stubRepo{
		request:       pendingRequest(),
		createCardErr: repository.ErrCardExists,
		winnerCard:    &model.LoyaltyCard{ID: "card-winner", CustomerID: "c-1", ProgramID: "p-1"},
	}
	svc := NewService(repo, zap.NewNop(), nil, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", true)

	if !res.Success || res.CardID != "card-winner" {
		t.Fatalf("result = %+v, want winner card id", res)
	}
}

func TestRespond_BestEffortFailuresDoNotFailWorkflow(t *testing.T) {
	repo := &stubRepo{
		request:         pendingRequest(),
		relationshipErr: errors.New("constraint violated"),
		notifyErr:       errors.New("notification store down"),
	}
	svc := NewService(repo, zap.NewNop(), nil, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", true)

	if !res.Success {
		t.Fatalf("result = %+v, best-effort failures must not fail the workflow", res)
	}
}

func TestRespond_EnrollmentFailureIsApprovalError(t *testing.T) {
	repo := &stubRepo{
		request:   pendingRequest(),
		enrollErr: errors.New("insert failed"),
	}
	svc := NewService(repo, zap.NewNop(), nil, nil)

	res := svc.RespondToEnrollment(context.Background(), "r-1", true)

	if res.Success || res.ErrorCode != ErrCodeApprovalProcessing {
		t.Fatalf("result = %+v, want APPROVAL_PROCESSING_ERROR", res)
	}
	if res.ErrorLocation != "ensure_enrollment" {
		t.Fatalf("error location = %q, want ensure_enrollment", res.ErrorLocation)
	}
}

type mapCache struct {
	data map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{data: make(map[string][]byte)}
}

func (c *mapCache) Get(key string) ([]byte, bool) {
	v, ok := c.data[key]
	return v, ok
}

func (c *mapCache) Set(key string, value []byte, ttl time.Duration) {
	c.data[key] = value
}

func (c *mapCache) Invalidate(key string) {
	delete(c.data, key)
}

type countingRepo struct {
	stubRepo
	cardQueries int
	cards       []model.LoyaltyCard
}

func (r *countingRepo) GetCardsByCustomer(ctx context.Context, customerID string) ([]model.LoyaltyCard, error) {
	r.cardQueries++
	return r.cards, nil
}

func TestGetCardsByCustomer_ServedFromCache(t *testing.T) {
	repo := &countingRepo{
		cards: []model.LoyaltyCard{{ID: "card-1", CustomerID: "c-1", Number: "GC-123456-0001"}},
	}
	svc := NewService(repo, zap.NewNop(), nil, newMapCache())

	for i := 0; i < 3; i++ {
		cards, err := svc.GetCardsByCustomer(context.Background(), "c-1")
		if err != nil {
			t.Fatalf("GetCardsByCustomer error: %v", err)
		}
		if len(cards) != 1 || cards[0].ID != "card-1" {
			t.Fatalf("unexpected cards: %+v", cards)
		}
	}

	if repo.cardQueries != 1 {
		t.Fatalf("repository queries = %d, want 1 (rest from cache)", repo.cardQueries)
	}
}

func TestCardCacheInvalidatedOnIssue(t *testing.T) {
	cache := newMapCache()
	cache.data["cards:c-1"] = []byte(`[]`)

	repo := &stubRepo{request: pendingRequest()}
	svc := NewService(repo, zap.NewNop(), nil, cache)

	res := svc.RespondToEnrollment(context.Background(), "r-1", true)
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}

	if _, ok := cache.data["cards:c-1"]; ok {
		t.Fatalf("card cache must be invalidated after issuing a card")
	}
}
