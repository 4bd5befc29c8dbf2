package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/loyalty-system/internal/cardnum"
	"github.com/mmeshcher/loyalty-system/internal/model"
	"github.com/mmeshcher/loyalty-system/internal/repository"
	"github.com/mmeshcher/loyalty-system/internal/workflow"
)

// Коды ошибок обработки ответа на приглашение. Вызывающий всегда получает
// структурированный Result, ошибки наружу не пробрасываются.
const (
	ErrCodeRequestNotFound     = "REQUEST_NOT_FOUND"
	ErrCodeAlreadyProcessed    = "ALREADY_PROCESSED"
	ErrCodeCardCreationFailed  = "CARD_CREATION_FAILED"
	ErrCodeApprovalProcessing  = "APPROVAL_PROCESSING_ERROR"
	ErrCodeRejectionProcessing = "REJECTION_PROCESSING_ERROR"
	ErrCodeProcessing          = "PROCESSING_ERROR"
)

// Имена шагов обработки решения.
const (
	stepLookup       = "lookup"
	stepStatusGuard  = "status_guard"
	stepCommit       = "commit_decision"
	stepEnrollment   = "ensure_enrollment"
	stepIssueCard    = "issue_card"
	stepRelationship = "upsert_relationship"
	stepNotify       = "notify"
	stepSyncEvents   = "sync_events"
)

func failure(code, message, location string) model.Result {
	return model.Result{
		Message:       message,
		ErrorCode:     code,
		ErrorLocation: location,
	}
}

// RespondToEnrollment обрабатывает ответ на приглашение в программу лояльности.
// Статус приглашения переводится ровно один раз: повторный ответ на то же
// приглашение завершается кодом ALREADY_PROCESSED без побочных эффектов.
func (s *Service) RespondToEnrollment(ctx context.Context, requestID string, approved bool) model.Result {
	req, err := s.repo.GetEnrollmentRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return failure(ErrCodeProcessing, "request lookup interrupted", stepLookup)
		}
		if !errors.Is(err, repository.ErrRequestNotFound) {
			// Сбой чтения вырождается в "не найдено", детали остаются в логе
			s.logger.Error("enrollment request lookup failed",
				zap.String("request", requestID),
				zap.Error(err),
			)
		}
		return failure(ErrCodeRequestNotFound, "enrollment request not found", stepLookup)
	}

	if req.Status != model.RequestStatusPending {
		return failure(ErrCodeAlreadyProcessed, "enrollment request already processed", stepStatusGuard)
	}

	newStatus := model.RequestStatusRejected
	if approved {
		newStatus = model.RequestStatusApproved
	}

	if err := s.repo.CommitDecision(ctx, req.ID, newStatus); err != nil {
		if errors.Is(err, repository.ErrAlreadyProcessed) {
			return failure(ErrCodeAlreadyProcessed, "enrollment request already processed", stepCommit)
		}
		s.logger.Error("commit decision failed",
			zap.String("request", req.ID),
			zap.Bool("approved", approved),
			zap.Error(err),
		)
		return failure(ErrCodeProcessing, "failed to commit decision", stepCommit)
	}

	if approved {
		return s.finishApproval(ctx, req)
	}
	return s.finishRejection(ctx, req)
}

// finishApproval выполняет шаги после фиксации одобрения. Членство и выдача
// карты критичны, остальные шаги best-effort: их сбои логируются и не меняют
// итог. Уведомления не отправляются, если карту выдать не удалось.
func (s *Service) finishApproval(ctx context.Context, req *model.EnrollmentRequest) model.Result {
	var cardID string

	steps := []workflow.Step{
		{
			Name:     stepEnrollment,
			Critical: true,
			Run: func(ctx context.Context) error {
				return s.repo.EnsureEnrollment(ctx, req.CustomerID, req.ProgramID, req.BusinessID)
			},
		},
		{
			Name:     stepIssueCard,
			Critical: true,
			Run: func(ctx context.Context) error {
				id, err := s.issueCard(ctx, req)
				if err != nil {
					return err
				}
				cardID = id
				return nil
			},
		},
		{
			Name: stepRelationship,
			Run: func(ctx context.Context) error {
				return s.repo.UpsertRelationship(ctx, req.CustomerID, req.BusinessID)
			},
		},
		{
			Name: stepNotify,
			Run: func(ctx context.Context) error {
				return s.notifyDecision(ctx, req, true, cardID)
			},
		},
		{
			Name: stepSyncEvents,
			Run: func(ctx context.Context) error {
				s.emitSyncEvents(ctx, req, true, cardID)
				return nil
			},
		},
	}

	failedStep, err := workflow.Run(ctx, s.logger, steps)
	if err != nil {
		s.logger.Error("approval processing failed",
			zap.String("request", req.ID),
			zap.String("step", failedStep),
			zap.Error(err),
		)
		if failedStep == stepIssueCard {
			return failure(ErrCodeCardCreationFailed, "failed to issue loyalty card", failedStep)
		}
		return failure(ErrCodeApprovalProcessing, "failed to process approval", failedStep)
	}

	return model.Result{
		Success: true,
		Message: fmt.Sprintf("enrollment in %s approved", req.ProgramName),
		CardID:  cardID,
	}
}

// finishRejection выполняет шаги после фиксации отказа: никаких изменений
// членства или карт, только уведомления и события синхронизации.
func (s *Service) finishRejection(ctx context.Context, req *model.EnrollmentRequest) model.Result {
	steps := []workflow.Step{
		{
			Name: stepNotify,
			Run: func(ctx context.Context) error {
				return s.notifyDecision(ctx, req, false, "")
			},
		},
		{
			Name: stepSyncEvents,
			Run: func(ctx context.Context) error {
				s.emitSyncEvents(ctx, req, false, "")
				return nil
			},
		},
	}

	failedStep, err := workflow.Run(ctx, s.logger, steps)
	if err != nil {
		s.logger.Error("rejection processing failed",
			zap.String("request", req.ID),
			zap.String("step", failedStep),
			zap.Error(err),
		)
		return failure(ErrCodeRejectionProcessing, "failed to process rejection", failedStep)
	}

	return model.Result{
		Success: true,
		Message: fmt.Sprintf("enrollment in %s rejected", req.ProgramName),
	}
}

// issueCard возвращает идентификатор карты клиента в программе, создавая её
// при необходимости. Проверка-перед-вставкой опирается на ограничение
// уникальности (клиент, программа): проигравший конкурентную вставку
// перечитывает карту победителя.
func (s *Service) issueCard(ctx context.Context, req *model.EnrollmentRequest) (string, error) {
	existing, err := s.repo.GetCardByCustomerProgram(ctx, req.CustomerID, req.ProgramID)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, repository.ErrCardNotFound) {
		return "", err
	}

	card := &model.LoyaltyCard{
		ID:         uuid.NewString(),
		CustomerID: req.CustomerID,
		BusinessID: req.BusinessID,
		ProgramID:  req.ProgramID,
		Number:     cardnum.Generate(time.Now()),
		Tier:       model.CardTierStandard,
		Points:     0,
		Multiplier: decimal.NewFromInt(1),
		Active:     true,
	}

	if err := s.repo.CreateCard(ctx, card); err != nil {
		if errors.Is(err, repository.ErrCardExists) {
			winner, lookupErr := s.repo.GetCardByCustomerProgram(ctx, req.CustomerID, req.ProgramID)
			if lookupErr != nil {
				return "", lookupErr
			}
			return winner.ID, nil
		}
		return "", err
	}

	s.invalidateCardCache(req.CustomerID)

	return card.ID, nil
}

// notifyDecision создаёт ровно два уведомления о решении: клиенту и бизнесу.
// Сбой одного уведомления не мешает второму.
func (s *Service) notifyDecision(ctx context.Context, req *model.EnrollmentRequest, approved bool, cardID string) error {
	data := map[string]any{
		"program_id":   req.ProgramID,
		"program_name": req.ProgramName,
	}
	if approved && cardID != "" {
		data["card_id"] = cardID
	}

	notificationType := model.NotificationEnrollmentRejected
	customerTitle := "Enrollment declined"
	customerMessage := fmt.Sprintf("You declined the invitation to %s by %s.", req.ProgramName, req.BusinessName)
	businessTitle := "Invitation declined"
	businessMessage := fmt.Sprintf("The invitation to %s was declined.", req.ProgramName)

	if approved {
		notificationType = model.NotificationEnrollmentAccepted
		customerTitle = "Enrollment approved"
		customerMessage = fmt.Sprintf("You are now a member of %s by %s.", req.ProgramName, req.BusinessName)
		businessTitle = "New program member"
		businessMessage = fmt.Sprintf("A customer joined %s.", req.ProgramName)
	}

	customerErr := s.repo.CreateNotification(ctx, &model.Notification{
		ID:          uuid.NewString(),
		RecipientID: req.CustomerID,
		BusinessID:  req.BusinessID,
		Type:        notificationType,
		Title:       customerTitle,
		Message:     customerMessage,
		Data:        data,
		ReferenceID: req.ID,
	})

	businessErr := s.repo.CreateNotification(ctx, &model.Notification{
		ID:          uuid.NewString(),
		RecipientID: req.BusinessID,
		BusinessID:  req.BusinessID,
		Type:        notificationType,
		Title:       businessTitle,
		Message:     businessMessage,
		Data:        data,
		ReferenceID: req.ID,
	})

	return errors.Join(customerErr, businessErr)
}

// emitSyncEvents рассылает события синхронизации подключённым UI-клиентам.
// Без брокастера шаг ничего не делает.
func (s *Service) emitSyncEvents(ctx context.Context, req *model.EnrollmentRequest, approved bool, cardID string) {
	if s.broadcaster == nil {
		return
	}

	if approved && cardID != "" {
		s.broadcaster.Publish(ctx, model.SyncEvent{
			Kind:       model.SyncCardChanged,
			Op:         "created",
			CustomerID: req.CustomerID,
			BusinessID: req.BusinessID,
			ProgramID:  req.ProgramID,
			CardID:     cardID,
		})
	}

	s.broadcaster.Publish(ctx, model.SyncEvent{
		Kind:       model.SyncEnrollmentChanged,
		Op:         "updated",
		CustomerID: req.CustomerID,
		BusinessID: req.BusinessID,
		ProgramID:  req.ProgramID,
	})
}
