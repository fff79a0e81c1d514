package types

import (
	"encoding/json"
	"time"
)

// Event is one inbound dispatch recorded in the event log. Only Processed,
// ProcessedAt and Error change after the event is appended, and only once.
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	Processed   bool            `json:"processed"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ActionLogEntry is an immutable audit record of one agent decision.
type ActionLogEntry struct {
	ID             string         `json:"id"`
	Agent          string         `json:"agent_name"`
	Timestamp      time.Time      `json:"timestamp"`
	Action         string         `json:"action"`
	ItemID         string         `json:"item_id,omitempty"`
	Fields         map[string]any `json:"fields,omitempty"`
	Sequence       uint64         `json:"sequence"`
	PreviousDigest string         `json:"previous_digest"`
	Digest         string         `json:"digest,omitempty"`
}

type ExceptionStatus string

const (
	ExceptionPending  ExceptionStatus = "pending"
	ExceptionResolved ExceptionStatus = "resolved"
)

const (
	ExceptionProcessingError = "processing_error"
	ExceptionManualReview    = "manual_review"
	ExceptionBankMatching    = "bank_matching"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Exception is work that needs a human because automation could not act.
type Exception struct {
	ID          string          `json:"id"`
	ItemID      string          `json:"item_id"`
	Agent       string          `json:"agent_name"`
	Type        string          `json:"type"`
	Reason      string          `json:"reason,omitempty"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Suggestions []Suggestion    `json:"suggestions,omitempty"`
	Status      ExceptionStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ApprovalType string

const (
	ApprovalPropose      ApprovalType = "propose"
	ApprovalHumanSignoff ApprovalType = "human_signoff"
	ApprovalDefault      ApprovalType = "default"
)

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalRequest is a proposed action waiting for human sign-off.
type ApprovalRequest struct {
	ID              string         `json:"id"`
	Agent           string         `json:"agent_name"`
	Action          string         `json:"action"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ApprovalType    ApprovalType   `json:"approval_type"`
	Status          ApprovalStatus `json:"status"`
	ApprovedBy      string         `json:"approved_by,omitempty"`
	ApprovedAt      *time.Time     `json:"approved_at,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Terminal reports whether the request has left the pending state.
func (a ApprovalRequest) Terminal() bool {
	return a.Status == ApprovalApproved || a.Status == ApprovalRejected
}

type ActionButton struct {
	Text   string `json:"text"`
	Action string `json:"action,omitempty"`
	URL    string `json:"url,omitempty"`
	Style  string `json:"style,omitempty"`
}

type NotificationStatus string

const (
	NotificationPending NotificationStatus = "pending"
	NotificationSent    NotificationStatus = "sent"
)

// Notification is one message relayed to the notification sink.
type Notification struct {
	ID            string             `json:"id"`
	Channel       string             `json:"channel"`
	Message       string             `json:"message"`
	ActionButtons []ActionButton     `json:"action_buttons,omitempty"`
	Status        NotificationStatus `json:"status"`
	AttemptCount  int                `json:"attempt_count"`
	NextAttemptAt time.Time          `json:"next_attempt_at"`
	LastError     string             `json:"last_error,omitempty"`
	SentAt        *time.Time         `json:"sent_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// AgentMetrics is the per-agent metrics snapshot used for cross-agent reporting.
type AgentMetrics struct {
	Agent          string             `json:"agent_name"`
	ItemsProcessed int64              `json:"items_processed"`
	Errors         int64              `json:"errors"`
	AutoActions    int64              `json:"auto_actions"`
	Exceptions     int                `json:"exceptions_pending"`
	AutomationRate float64            `json:"automation_rate"`
	Values         map[string]float64 `json:"values,omitempty"`
	Labels         map[string]string  `json:"labels,omitempty"`
}
