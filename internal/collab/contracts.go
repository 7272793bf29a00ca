// Package collab defines the contracts the decision engine consumes from
// external collaborators. Results cross this boundary as strongly typed
// values; coercion from whatever wire shape a collaborator speaks happens in
// its own adapter, never inside the core.
package collab

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/g960059/dealgate/internal/model"
)

// Intent is the classified purpose of an inbound reply.
type Intent string

const (
	IntentAcceptance   Intent = "acceptance"
	IntentRejection    Intent = "rejection"
	IntentCounterOffer Intent = "counter_offer"
	IntentQuestion     Intent = "question"
	IntentUnclear      Intent = "unclear"
)

// Classification is the typed result of classifying one inbound reply.
type Classification struct {
	Intent        Intent
	Confidence    float64
	ProposedPrice *decimal.Decimal
	ProposedTerms []string
	Summary       string
}

// ThreadContext is the read-only slice of thread state a classifier may see.
type ThreadContext struct {
	ThreadID    string
	Counterpart string
	Platform    model.Platform
	Deliverable string
	Round       int
	LastCounter *decimal.Decimal
}

// ErrCollaborator wraps any failure, timeout, or malformed response from an
// external collaborator. The orchestrator escalates on it and never retries;
// retry and backoff belong to the collaborator's own wrapper.
var ErrCollaborator = errors.New("collaborator failure")

// CollaboratorError tags an underlying failure with the collaborator name so
// escalation records can say which call broke.
func CollaboratorError(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCollaborator, name, err)
}

// Classifier extracts intent and fields from a raw inbound reply.
type Classifier interface {
	Classify(ctx context.Context, messageText string, tc ThreadContext) (Classification, error)
}

// ComposeRequest carries the authoritative figures the composer must build
// prose around. The engine never trusts any number the composer explains
// back; the validation gate re-extracts figures from the returned text.
type ComposeRequest struct {
	Price        decimal.Decimal
	Deliverables []string
	Stage        string
	Counterpart  string
	Summary      string
}

// Composer drafts the outbound message for a round.
type Composer interface {
	Compose(ctx context.Context, req ComposeRequest) (string, error)
}

// Notifier is the fire-and-forget chat-ops surface. Every acceptance is
// notified; finalPrice is nil when the counterpart accepted the initial
// outreach and no counter was ever priced.
type Notifier interface {
	NotifyEscalation(ctx context.Context, rec model.EscalationRecord) error
	NotifyAgreement(ctx context.Context, thread model.NegotiationThread, finalPrice *decimal.Decimal) error
}

// AuditSink receives an event at every state transition, send, and
// escalation. The engine never reads it back.
type AuditSink interface {
	RecordEvent(ctx context.Context, eventType, threadID, campaignID string, payload map[string]string) error
}
