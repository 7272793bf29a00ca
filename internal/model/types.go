package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ThreadState is the normalized negotiation lifecycle state persisted in the store.
type ThreadState string

const (
	StateAwaitingReply   ThreadState = "awaiting_reply"
	StateCounterReceived ThreadState = "counter_received"
	StateCounterSent     ThreadState = "counter_sent"
	StateEscalated       ThreadState = "escalated"
	StateAgreed          ThreadState = "agreed"
	StateRejected        ThreadState = "rejected"
	StateStalled         ThreadState = "stalled"
)

// Terminal reports whether a state accepts no further transitions.
func (s ThreadState) Terminal() bool {
	return s == StateAgreed || s == StateRejected
}

// Trigger names the event that moves a thread between states.
type Trigger string

const (
	TriggerCounterReply     Trigger = "reply_counter"
	TriggerAcceptanceReply  Trigger = "reply_acceptance"
	TriggerRejectionReply   Trigger = "reply_rejection"
	TriggerReplyTimeout     Trigger = "reply_timeout"
	TriggerCounterValidated Trigger = "counter_validated"
	TriggerEscalate         Trigger = "escalate"
	TriggerDispatched       Trigger = "dispatched"
	TriggerHumanApproved    Trigger = "human_approved"
	TriggerHumanDeclined    Trigger = "human_declined"
)

type Platform string

const (
	PlatformShortVideo Platform = "short_video"
	PlatformPhotoFeed  Platform = "photo_feed"
	PlatformLongVideo  Platform = "long_video"
)

// NegotiationThread is one ongoing conversation with one counterpart.
// Owned by the orchestrator; other components receive copies of the
// fields they need, never mutation rights.
type NegotiationThread struct {
	ThreadID        string
	CounterpartName string
	Platform        Platform
	Deliverable     string
	CampaignID      *string
	Round           int
	State           ThreadState
	EngagementRate  float64
	ReachSamples    []int64
	LastCounter     *decimal.Decimal
	LastReplyAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TransitionRecord is one entry of a thread's append-only transition history.
type TransitionRecord struct {
	ThreadID string
	From     ThreadState
	Trigger  Trigger
	To       ThreadState
	At       time.Time
}

// ClosedDeal is one (price, engagement) pair recorded against a campaign.
type ClosedDeal struct {
	PriceCPM   decimal.Decimal
	Engagement float64
	ClosedAt   time.Time
}

// CampaignFlexibilityState is the per-campaign pricing posture. Appended to
// when a deal closes, read to compute the next adjusted ceiling.
type CampaignFlexibilityState struct {
	CampaignID    string
	FloorCPM      decimal.Decimal
	CeilingCPM    decimal.Decimal
	ExpectedCount int
	ClosedDeals   []ClosedDeal
	UpdatedAt     time.Time
}

// EscalationRecord captures everything a human needs to act on an
// escalated thread. Immutable once created.
type EscalationRecord struct {
	EscalationID string
	ThreadID     string
	CampaignID   *string
	Counterpart  string
	ReasonCode   string
	Draft        string
	Failures     []string
	ProposedCPM  *decimal.Decimal
	FloorCPM     *decimal.Decimal
	CeilingCPM   *decimal.Decimal
	Price        *decimal.Decimal
	CreatedAt    time.Time
	ResolvedAt   *time.Time
	Resolution   string
}

// Escalation reason codes surfaced to operators.
const (
	ReasonMaxRounds           = "max_rounds_reached"
	ReasonLowConfidence       = "classification_unclear"
	ReasonOutOfBand           = "out_of_band_proposal"
	ReasonValidationBlocked   = "validation_blocked"
	ReasonCollaboratorFailure = "collaborator_failure"
	ReasonQuestionPolicy      = "question_requires_human"
)

// Escalation resolutions.
const (
	ResolutionApproved = "approved"
	ResolutionDeclined = "declined"
)

// Error codes defined by the API contract.
const (
	ErrRefInvalid         = "E_REF_INVALID"
	ErrRefNotFound        = "E_REF_NOT_FOUND"
	ErrThreadTerminal     = "E_THREAD_TERMINAL"
	ErrInvalidTransition  = "E_INVALID_TRANSITION"
	ErrPreconditionFailed = "E_PRECONDITION_FAILED"
)

// Audit event types recorded at every transition, send, and escalation.
const (
	EventTransition   = "transition"
	EventCounterSent  = "counter_sent"
	EventEscalated    = "escalated"
	EventAgreed       = "agreed"
	EventRejected     = "rejected"
	EventStalled      = "stalled"
	EventDealRecorded = "deal_recorded"
)
