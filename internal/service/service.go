// Package service реализует бизнес-логику сервиса лояльности.
package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/realtime"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetEnrollmentRequest(ctx context.Context, id string) (*model.EnrollmentRequest, error)
	GetPendingRequestsByCustomer(ctx context.Context, customerID string) ([]model.EnrollmentRequest, error)
	CommitDecision(ctx context.Context, requestID string, status model.RequestStatus) error
	EnsureEnrollment(ctx context.Context, customerID, programID, businessID string) error
	GetCardByCustomerProgram(ctx context.Context, customerID, programID string) (*model.LoyaltyCard, error)
	CreateCard(ctx context.Context, card *model.LoyaltyCard) error
	GetCardsByCustomer(ctx context.Context, customerID string) ([]model.LoyaltyCard, error)
	UpsertRelationship(ctx context.Context, customerID, businessID string) error
	CreateNotification(ctx context.Context, n *model.Notification) error
	GetNotificationsByRecipient(ctx context.Context, recipientID string, limit int) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id, recipientID string) error
}

// Cache описывает контракт кеша с TTL для списков карт.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
	Invalidate(key string)
}

const (
	cardCacheTTL       = 30 * time.Second
	notificationsLimit = 50
	cardCacheKeyPrefix = "cards:"
)

// Service содержит бизнес-логику сервиса лояльности.
type Service struct {
	repo        Repository
	logger      *zap.Logger
	broadcaster realtime.Broadcaster
	cards       Cache
}

// NewService создаёт новый сервис. Брокастер и кеш необязательны:
// без брокастера события синхронизации не рассылаются, без кеша
// списки карт читаются напрямую из БД.
func NewService(repo Repository, logger *zap.Logger, broadcaster realtime.Broadcaster, cards Cache) *Service {
	return &Service{
		repo:        repo,
		logger:      logger,
		broadcaster: broadcaster,
		cards:       cards,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetPendingRequests возвращает необработанные приглашения клиента.
func (s *Service) GetPendingRequests(ctx context.Context, customerID string) ([]model.EnrollmentRequest, error) {
	return s.repo.GetPendingRequestsByCustomer(ctx, customerID)
}

// GetCardsByCustomer возвращает карты клиента, используя кеш с TTL.
func (s *Service) GetCardsByCustomer(ctx context.Context, customerID string) ([]model.LoyaltyCard, error) {
	key := cardCacheKeyPrefix + customerID

	if s.cards != nil {
		if data, ok := s.cards.Get(key); ok {
			var cached []model.LoyaltyCard
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
			s.cards.Invalidate(key)
		}
	}

	cards, err := s.repo.GetCardsByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	if s.cards != nil && len(cards) > 0 {
		if data, err := json.Marshal(cards); err == nil {
			s.cards.Set(key, data, cardCacheTTL)
		}
	}

	return cards, nil
}

func (s *Service) invalidateCardCache(customerID string) {
	if s.cards != nil {
		s.cards.Invalidate(cardCacheKeyPrefix + customerID)
	}
}

// GetNotifications возвращает последние уведомления получателя.
func (s *Service) GetNotifications(ctx context.Context, recipientID string) ([]model.Notification, error) {
	return s.repo.GetNotificationsByRecipient(ctx, recipientID, notificationsLimit)
}

// MarkNotificationRead помечает уведомление получателя прочитанным.
func (s *Service) MarkNotificationRead(ctx context.Context, id, recipientID string) error {
	return s.repo.MarkNotificationRead(ctx, id, recipientID)
}
