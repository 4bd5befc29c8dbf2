// Package model содержит доменные сущности сервиса лояльности.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// RequestStatus описывает статус приглашения в программу лояльности.
type RequestStatus string

const (
	RequestStatusPending  RequestStatus = "PENDING"
	RequestStatusApproved RequestStatus = "APPROVED"
	RequestStatusRejected RequestStatus = "REJECTED"
)

// EnrollmentRequest представляет приглашение клиента в программу лояльности бизнеса.
type EnrollmentRequest struct {
	ID           string
	CustomerID   string
	BusinessID   string
	ProgramID    string
	ProgramName  string
	BusinessName string
	Status       RequestStatus
	Data         map[string]any
	CreatedAt    time.Time
}

// EnrollmentStatus описывает статус членства клиента в программе.
type EnrollmentStatus string

const (
	EnrollmentStatusActive   EnrollmentStatus = "ACTIVE"
	EnrollmentStatusInactive EnrollmentStatus = "INACTIVE"
)

// ProgramEnrollment описывает членство клиента в программе лояльности.
type ProgramEnrollment struct {
	CustomerID string
	ProgramID  string
	BusinessID string
	Status     EnrollmentStatus
	Points     int64
}

// CardTierStandard — стартовый уровень новой карты лояльности.
const CardTierStandard = "STANDARD"

// LoyaltyCard описывает карту лояльности клиента.
type LoyaltyCard struct {
	ID         string
	CustomerID string
	BusinessID string
	ProgramID  string
	Number     string
	Tier       string
	Points     int64
	Multiplier decimal.Decimal
	Active     bool
	CreatedAt  time.Time
}

// NotificationType описывает тип уведомления.
type NotificationType string

const (
	NotificationEnrollmentAccepted NotificationType = "ENROLLMENT_ACCEPTED"
	NotificationEnrollmentRejected NotificationType = "ENROLLMENT_REJECTED"
)

// Notification описывает уведомление, адресованное клиенту или бизнесу.
type Notification struct {
	ID             string
	RecipientID    string
	BusinessID     string
	Type           NotificationType
	Title          string
	Message        string
	Data           map[string]any
	RequiresAction bool
	ActionTaken    bool
	IsRead         bool
	ReferenceID    string
	CreatedAt      time.Time
}

// SyncEventKind описывает вид события синхронизации для подключённых UI-клиентов.
type SyncEventKind string

const (
	SyncCardChanged       SyncEventKind = "card_changed"
	SyncEnrollmentChanged SyncEventKind = "enrollment_changed"
)

// SyncEvent — событие синхронизации. Не сохраняется в БД,
// доставляется подключённым клиентам по принципу fire-and-forget.
type SyncEvent struct {
	Kind       SyncEventKind `json:"kind"`
	Op         string        `json:"op"`
	CustomerID string        `json:"customer_id"`
	BusinessID string        `json:"business_id"`
	ProgramID  string        `json:"program_id,omitempty"`
	CardID     string        `json:"card_id,omitempty"`
}

// Result — структурированный результат обработки ответа на приглашение.
// Ошибки не пробрасываются вызывающему: при сбое заполняются ErrorCode
// и ErrorLocation, а Success остаётся false.
type Result struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	CardID        string `json:"card_id,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorLocation string `json:"error_location,omitempty"`
}
