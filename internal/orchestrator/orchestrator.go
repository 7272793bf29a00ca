// Package orchestrator drives the negotiation loop. It is the only
// component that talks to external collaborators, and the only one allowed
// to mutate a thread. Access is serialized per thread identifier; distinct
// threads proceed concurrently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/g960059/dealgate/internal/collab"
	"github.com/g960059/dealgate/internal/config"
	"github.com/g960059/dealgate/internal/flexibility"
	"github.com/g960059/dealgate/internal/lifecycle"
	"github.com/g960059/dealgate/internal/model"
	"github.com/g960059/dealgate/internal/pricing"
	"github.com/g960059/dealgate/internal/validation"
)

// Action is the routing decision returned for one inbound reply.
type Action string

const (
	ActionSend     Action = "send"
	ActionEscalate Action = "escalate"
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
	// ActionResume means a human approved an escalation that held no draft;
	// the thread is awaiting again and there is nothing to dispatch.
	ActionResume Action = "resume"
)

// Decision is what the caller (the transport wiring) acts on.
type Decision struct {
	Action      Action
	State       model.ThreadState
	MessageBody string
	FinalPrice  *decimal.Decimal
	Escalation  *model.EscalationRecord
}

// Repository is the narrow persistence contract the orchestrator needs.
// The engine holds one thread's state at a time, never a process-wide
// collection.
type Repository interface {
	SaveThread(ctx context.Context, th model.NegotiationThread) error
	LoadThread(ctx context.Context, threadID string) (model.NegotiationThread, error)
	ListThreadsInState(ctx context.Context, state model.ThreadState) ([]model.NegotiationThread, error)
	AppendTransition(ctx context.Context, rec model.TransitionRecord) error
	SaveCampaignState(ctx context.Context, st model.CampaignFlexibilityState) error
	LoadCampaignState(ctx context.Context, campaignID string) (model.CampaignFlexibilityState, error)
	InsertEscalation(ctx context.Context, rec model.EscalationRecord) error
	GetEscalation(ctx context.Context, escalationID string) (model.EscalationRecord, error)
	ResolveEscalation(ctx context.Context, escalationID, resolution string, at time.Time) error
}

var ErrThreadTerminal = errors.New("thread is in a terminal state")

type threadLockEntry struct {
	mu   sync.Mutex
	refs int
}

type Orchestrator struct {
	cfg        config.Config
	repo       Repository
	classifier collab.Classifier
	composer   collab.Composer
	notifier   collab.Notifier
	audit      collab.AuditSink
	logger     *slog.Logger

	lockMu      sync.Mutex
	threadLocks map[string]*threadLockEntry

	trackerMu sync.Mutex
	trackers  map[string]*flexibility.Tracker
}

func New(cfg config.Config, repo Repository, classifier collab.Classifier, composer collab.Composer, notifier collab.Notifier, audit collab.AuditSink, logger *slog.Logger) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:         cfg,
		repo:        repo,
		classifier:  classifier,
		composer:    composer,
		notifier:    notifier,
		audit:       audit,
		logger:      logger,
		threadLocks: map[string]*threadLockEntry{},
		trackers:    map[string]*flexibility.Tracker{},
	}, nil
}

func (o *Orchestrator) lockThread(threadID string) func() {
	o.lockMu.Lock()
	entry, ok := o.threadLocks[threadID]
	if !ok {
		entry = &threadLockEntry{}
		o.threadLocks[threadID] = entry
	}
	entry.refs++
	o.lockMu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		o.lockMu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(o.threadLocks, threadID)
		}
		o.lockMu.Unlock()
	}
}

// CreateThread starts a negotiation thread in AWAITING_REPLY after the
// initial outreach has been sent.
func (o *Orchestrator) CreateThread(ctx context.Context, th model.NegotiationThread) (model.NegotiationThread, error) {
	if th.ThreadID == "" {
		th.ThreadID = uuid.NewString()
	}
	now := time.Now().UTC()
	th.State = model.StateAwaitingReply
	th.Round = 0
	th.CreatedAt = now
	th.UpdatedAt = now
	if err := o.repo.SaveThread(ctx, th); err != nil {
		return th, err
	}
	o.recordEvent(ctx, model.EventTransition, th, map[string]string{"state": string(th.State), "trigger": "created"})
	return th, nil
}

// HandleReply processes one inbound reply for a thread and returns the
// routing decision. Replies for the same thread are serialized.
func (o *Orchestrator) HandleReply(ctx context.Context, threadID, messageText string) (Decision, error) {
	unlock := o.lockThread(threadID)
	defer unlock()

	th, err := o.repo.LoadThread(ctx, threadID)
	if err != nil {
		return Decision{}, err
	}
	if th.State.Terminal() {
		return Decision{}, fmt.Errorf("%w: %s is %s", ErrThreadTerminal, threadID, th.State)
	}
	if th.State != model.StateAwaitingReply {
		return Decision{}, fmt.Errorf("thread %s cannot accept a reply in state %s", threadID, th.State)
	}

	now := time.Now().UTC()
	th.LastReplyAt = &now
	machine := lifecycle.Restore(th.ThreadID, th.State)

	// Round cap is checked before anything else; a capped thread escalates
	// without a classifier call.
	if th.Round >= o.cfg.MaxRounds {
		return o.escalate(ctx, &th, machine, escalationInput{
			reason: model.ReasonMaxRounds,
		})
	}

	cls, err := o.classify(ctx, messageText, th)
	if err != nil {
		o.logger.Warn("classifier failed", "thread_id", th.ThreadID, "err", err)
		return o.escalate(ctx, &th, machine, escalationInput{
			reason: model.ReasonCollaboratorFailure,
		})
	}
	if cls.Confidence < o.cfg.ConfidenceThreshold || cls.Intent == collab.IntentUnclear {
		return o.escalate(ctx, &th, machine, escalationInput{
			reason: model.ReasonLowConfidence,
		})
	}

	switch cls.Intent {
	case collab.IntentAcceptance:
		return o.accept(ctx, &th, machine, cls)
	case collab.IntentRejection:
		return o.reject(ctx, &th, machine)
	case collab.IntentQuestion:
		if o.cfg.QuestionPolicy == config.QuestionEscalate {
			return o.escalate(ctx, &th, machine, escalationInput{
				reason: model.ReasonQuestionPolicy,
			})
		}
		return o.counter(ctx, &th, machine, cls)
	default:
		return o.counter(ctx, &th, machine, cls)
	}
}

func (o *Orchestrator) classify(ctx context.Context, messageText string, th model.NegotiationThread) (collab.Classification, error) {
	cctx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.CollaboratorTimeout))
	defer cancel()
	cls, err := o.classifier.Classify(cctx, messageText, collab.ThreadContext{
		ThreadID:    th.ThreadID,
		Counterpart: th.CounterpartName,
		Platform:    th.Platform,
		Deliverable: th.Deliverable,
		Round:       th.Round,
		LastCounter: th.LastCounter,
	})
	if err != nil {
		return collab.Classification{}, collab.CollaboratorError("classifier", err)
	}
	return cls, nil
}

func (o *Orchestrator) accept(ctx context.Context, th *model.NegotiationThread, machine *lifecycle.Machine, cls collab.Classification) (Decision, error) {
	if err := o.fireAndPersist(ctx, th, machine, model.TriggerAcceptanceReply); err != nil {
		return Decision{}, err
	}
	final := th.LastCounter
	if cls.ProposedPrice != nil {
		final = cls.ProposedPrice
	}
	// Acceptance of the initial outreach leaves final nil; the notification
	// still fires, with the price marked unknown.
	if err := o.notifier.NotifyAgreement(ctx, *th, final); err != nil {
		o.logger.Warn("agreement notification failed", "thread_id", th.ThreadID, "err", err)
	}
	if final != nil {
		o.recordClosedDealForThread(ctx, *th, *final)
	}
	o.recordEvent(ctx, model.EventAgreed, *th, map[string]string{"final_price": decimalString(final)})
	return Decision{Action: ActionAccept, State: th.State, FinalPrice: final}, nil
}

func (o *Orchestrator) reject(ctx context.Context, th *model.NegotiationThread, machine *lifecycle.Machine) (Decision, error) {
	if err := o.fireAndPersist(ctx, th, machine, model.TriggerRejectionReply); err != nil {
		return Decision{}, err
	}
	o.recordEvent(ctx, model.EventRejected, *th, nil)
	return Decision{Action: ActionReject, State: th.State}, nil
}

func (o *Orchestrator) counter(ctx context.Context, th *model.NegotiationThread, machine *lifecycle.Machine, cls collab.Classification) (Decision, error) {
	if err := o.fireAndPersist(ctx, th, machine, model.TriggerCounterReply); err != nil {
		return Decision{}, err
	}

	band, reach, err := o.bandFor(ctx, *th)
	if err != nil {
		o.logger.Error("band computation failed", "thread_id", th.ThreadID, "err", err)
		return o.escalate(ctx, th, machine, escalationInput{
			reason: model.ReasonCollaboratorFailure,
		})
	}

	var proposal *pricing.Proposal
	if cls.ProposedPrice != nil {
		p, err := pricing.EvaluateProposal(band, reach, *cls.ProposedPrice)
		if err != nil {
			return Decision{}, err
		}
		proposal = &p
		if p.Verdict != pricing.VerdictWithinBand {
			return o.escalate(ctx, th, machine, escalationInput{
				reason:   model.ReasonOutOfBand,
				band:     &band,
				proposal: proposal,
			})
		}
	}

	counterPrice := pricing.CounterPrice(band, cls.ProposedPrice)
	draft, err := o.compose(ctx, *th, counterPrice, cls)
	if err != nil {
		o.logger.Warn("composer failed", "thread_id", th.ThreadID, "err", err)
		return o.escalate(ctx, th, machine, escalationInput{
			reason:   model.ReasonCollaboratorFailure,
			band:     &band,
			proposal: proposal,
			price:    &counterPrice,
		})
	}

	outcome := validation.Check(draft, validation.Authoritative{
		Price:        counterPrice,
		Deliverables: []string{th.Deliverable},
	}, validation.Config{
		MinDraftLength:     o.cfg.MinDraftLength,
		CommitmentDenyList: o.cfg.CommitmentDenyList,
		ForbiddenPhrases:   o.cfg.ForbiddenPhrases,
	})
	if !outcome.Passed() {
		failures := make([]string, 0, len(outcome.Failures))
		for _, f := range outcome.Blocking() {
			failures = append(failures, fmt.Sprintf("%s: %s", f.Check, f.Reason))
		}
		return o.escalate(ctx, th, machine, escalationInput{
			reason:   model.ReasonValidationBlocked,
			band:     &band,
			proposal: proposal,
			price:    &counterPrice,
			draft:    draft,
			failures: failures,
		})
	}

	if err := o.fireAndPersistUpdate(ctx, th, machine, model.TriggerCounterValidated, func(th *model.NegotiationThread) {
		th.Round++
		th.LastCounter = &counterPrice
	}); err != nil {
		return Decision{}, err
	}
	o.recordEvent(ctx, model.EventCounterSent, *th, map[string]string{
		"round": fmt.Sprintf("%d", th.Round),
		"price": counterPrice.String(),
	})
	return Decision{Action: ActionSend, State: th.State, MessageBody: draft, FinalPrice: &counterPrice}, nil
}

func (o *Orchestrator) compose(ctx context.Context, th model.NegotiationThread, price decimal.Decimal, cls collab.Classification) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.CollaboratorTimeout))
	defer cancel()
	draft, err := o.composer.Compose(cctx, collab.ComposeRequest{
		Price:        price,
		Deliverables: []string{th.Deliverable},
		Stage:        fmt.Sprintf("round_%d", th.Round+1),
		Counterpart:  th.CounterpartName,
		Summary:      cls.Summary,
	})
	if err != nil {
		return "", collab.CollaboratorError("composer", err)
	}
	return draft, nil
}

// bandFor computes the authorized band for a thread: campaign rates flexed
// by the tracker when the thread belongs to a campaign, configured defaults
// otherwise.
func (o *Orchestrator) bandFor(ctx context.Context, th model.NegotiationThread) (pricing.Band, float64, error) {
	reach := pricing.Reduce(th.ReachSamples, pricing.ReducerConfig{DeviationMultiple: o.cfg.OutlierDeviationMultiple})
	if reach <= 0 {
		return pricing.Band{}, 0, fmt.Errorf("thread %s has no usable reach samples", th.ThreadID)
	}

	var floorCPM, ceilingCPM decimal.Decimal
	if th.CampaignID != nil {
		tracker, err := o.trackerFor(ctx, *th.CampaignID)
		if err != nil {
			return pricing.Band{}, 0, err
		}
		st := tracker.State()
		adj := tracker.AdjustedCeiling(th.EngagementRate)
		o.logger.Debug("flexibility adjustment", "thread_id", th.ThreadID, "campaign_id", st.CampaignID, "ceiling_cpm", adj.CeilingCPM.String(), "rationale", adj.Rationale)
		floorCPM, ceilingCPM = st.FloorCPM, adj.CeilingCPM
	} else {
		floorCPM, ceilingCPM = o.cfg.DefaultBandCPM()
	}

	targetCPM := floorCPM.Add(ceilingCPM).Div(decimal.NewFromInt(2))
	band, err := pricing.ComputeBand(reach, pricing.Rates{
		FloorCPM:   floorCPM,
		TargetCPM:  targetCPM,
		CeilingCPM: ceilingCPM,
	})
	if err != nil {
		return pricing.Band{}, 0, err
	}
	return band, reach, nil
}

func (o *Orchestrator) trackerFor(ctx context.Context, campaignID string) (*flexibility.Tracker, error) {
	o.trackerMu.Lock()
	defer o.trackerMu.Unlock()
	if tracker, ok := o.trackers[campaignID]; ok {
		return tracker, nil
	}
	st, err := o.repo.LoadCampaignState(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	tracker := flexibility.NewTracker(st, flexibility.Config{
		HardCapMultiple: o.cfg.HardCap(),
		Tiers: []flexibility.PremiumTier{
			{MinEngagement: o.cfg.MidEngagement, Multiplier: decimal.NewFromFloat(o.cfg.MidPremium)},
			{MinEngagement: o.cfg.HighEngagement, Multiplier: decimal.NewFromFloat(o.cfg.HighPremium)},
		},
	})
	o.trackers[campaignID] = tracker
	return tracker, nil
}

// RegisterCampaign persists a new campaign's flexibility state.
func (o *Orchestrator) RegisterCampaign(ctx context.Context, st model.CampaignFlexibilityState) error {
	if st.CampaignID == "" {
		st.CampaignID = uuid.NewString()
	}
	if st.CeilingCPM.LessThan(st.FloorCPM) {
		return fmt.Errorf("%w: campaign %s ceiling below floor", config.ErrConfiguration, st.CampaignID)
	}
	return o.repo.SaveCampaignState(ctx, st)
}

// RecordClosedDeal appends a closed deal to a campaign and persists the
// updated state. Appends across threads are serialized by the tracker.
func (o *Orchestrator) RecordClosedDeal(ctx context.Context, campaignID string, priceCPM decimal.Decimal, engagement float64) error {
	tracker, err := o.trackerFor(ctx, campaignID)
	if err != nil {
		return err
	}
	tracker.RecordClosedDeal(priceCPM, engagement, time.Now().UTC())
	if err := o.repo.SaveCampaignState(ctx, tracker.State()); err != nil {
		return err
	}
	o.recordEvent(ctx, model.EventDealRecorded, model.NegotiationThread{CampaignID: &campaignID}, map[string]string{
		"price_cpm": priceCPM.String(),
	})
	return nil
}

func (o *Orchestrator) recordClosedDealForThread(ctx context.Context, th model.NegotiationThread, finalPrice decimal.Decimal) {
	if th.CampaignID == nil {
		return
	}
	reach := pricing.Reduce(th.ReachSamples, pricing.ReducerConfig{DeviationMultiple: o.cfg.OutlierDeviationMultiple})
	if reach <= 0 {
		return
	}
	cpm := finalPrice.Mul(decimal.NewFromInt(1000)).Div(decimal.NewFromFloat(reach)).Round(2)
	if err := o.RecordClosedDeal(ctx, *th.CampaignID, cpm, th.EngagementRate); err != nil {
		o.logger.Warn("record closed deal failed", "thread_id", th.ThreadID, "err", err)
	}
}

type escalationInput struct {
	reason   string
	band     *pricing.Band
	proposal *pricing.Proposal
	price    *decimal.Decimal
	draft    string
	failures []string
}

// escalate routes a thread to a human. The thread must be in AWAITING_REPLY
// or COUNTER_RECEIVED; an awaiting thread passes through COUNTER_RECEIVED so
// the history shows the inbound reply that forced the escalation.
func (o *Orchestrator) escalate(ctx context.Context, th *model.NegotiationThread, machine *lifecycle.Machine, in escalationInput) (Decision, error) {
	if machine.State() == model.StateAwaitingReply {
		if err := o.fireAndPersist(ctx, th, machine, model.TriggerCounterReply); err != nil {
			return Decision{}, err
		}
	}
	if err := o.fireAndPersist(ctx, th, machine, model.TriggerEscalate); err != nil {
		return Decision{}, err
	}

	rec := model.EscalationRecord{
		EscalationID: uuid.NewString(),
		ThreadID:     th.ThreadID,
		CampaignID:   th.CampaignID,
		Counterpart:  th.CounterpartName,
		ReasonCode:   in.reason,
		Draft:        in.draft,
		Failures:     in.failures,
		Price:        in.price,
		CreatedAt:    time.Now().UTC(),
	}
	if in.band != nil {
		floor, ceiling := in.band.Floor, in.band.Ceiling
		rec.FloorCPM = &floor
		rec.CeilingCPM = &ceiling
	}
	if in.proposal != nil {
		implied := in.proposal.ImpliedCPM
		rec.ProposedCPM = &implied
	}
	if err := o.repo.InsertEscalation(ctx, rec); err != nil {
		return Decision{}, err
	}
	if err := o.notifier.NotifyEscalation(ctx, rec); err != nil {
		o.logger.Warn("escalation notification failed", "thread_id", th.ThreadID, "err", err)
	}
	o.recordEvent(ctx, model.EventEscalated, *th, map[string]string{"reason": in.reason})
	return Decision{Action: ActionEscalate, State: th.State, Escalation: &rec}, nil
}

// MarkDispatched confirms the transport sent the validated counter and
// returns the thread to AWAITING_REPLY.
func (o *Orchestrator) MarkDispatched(ctx context.Context, threadID string) error {
	unlock := o.lockThread(threadID)
	defer unlock()

	th, err := o.repo.LoadThread(ctx, threadID)
	if err != nil {
		return err
	}
	machine := lifecycle.Restore(th.ThreadID, th.State)
	return o.fireAndPersist(ctx, &th, machine, model.TriggerDispatched)
}

// ResolveEscalation applies a human decision to an escalated thread.
// Approval returns the thread to AWAITING_REPLY, with the held draft for
// dispatch when one exists; decline terminates the thread.
func (o *Orchestrator) ResolveEscalation(ctx context.Context, escalationID string, approve bool) (Decision, error) {
	rec, err := o.repo.GetEscalation(ctx, escalationID)
	if err != nil {
		return Decision{}, err
	}

	unlock := o.lockThread(rec.ThreadID)
	defer unlock()

	th, err := o.repo.LoadThread(ctx, rec.ThreadID)
	if err != nil {
		return Decision{}, err
	}
	machine := lifecycle.Restore(th.ThreadID, th.State)

	resolution := model.ResolutionDeclined
	trigger := model.TriggerHumanDeclined
	if approve {
		resolution = model.ResolutionApproved
		trigger = model.TriggerHumanApproved
	}
	if err := o.fireAndPersistUpdate(ctx, &th, machine, trigger, func(th *model.NegotiationThread) {
		if approve && rec.Draft != "" {
			th.Round++
			th.LastCounter = rec.Price
		}
	}); err != nil {
		return Decision{}, err
	}
	if err := o.repo.ResolveEscalation(ctx, escalationID, resolution, time.Now().UTC()); err != nil {
		return Decision{}, err
	}

	if approve {
		if rec.Draft == "" {
			return Decision{Action: ActionResume, State: th.State}, nil
		}
		o.recordEvent(ctx, model.EventCounterSent, th, map[string]string{"escalation_id": escalationID, "approved_by": "human"})
		return Decision{Action: ActionSend, State: th.State, MessageBody: rec.Draft, FinalPrice: rec.Price}, nil
	}
	o.recordEvent(ctx, model.EventRejected, th, map[string]string{"escalation_id": escalationID})
	return Decision{Action: ActionReject, State: th.State}, nil
}

// SweepStalled transitions awaiting threads whose reply window has lapsed.
// Invoked periodically by the daemon.
func (o *Orchestrator) SweepStalled(ctx context.Context, now time.Time) (int, error) {
	threads, err := o.repo.ListThreadsInState(ctx, model.StateAwaitingReply)
	if err != nil {
		return 0, err
	}
	stalled := 0
	for _, th := range threads {
		last := th.UpdatedAt
		if th.LastReplyAt != nil && th.LastReplyAt.After(last) {
			last = *th.LastReplyAt
		}
		if now.Sub(last) <= time.Duration(o.cfg.ReplyTimeout) {
			continue
		}
		if err := o.stallThread(ctx, th.ThreadID); err != nil {
			o.logger.Warn("stall sweep failed", "thread_id", th.ThreadID, "err", err)
			continue
		}
		stalled++
	}
	return stalled, nil
}

func (o *Orchestrator) stallThread(ctx context.Context, threadID string) error {
	unlock := o.lockThread(threadID)
	defer unlock()

	th, err := o.repo.LoadThread(ctx, threadID)
	if err != nil {
		return err
	}
	if th.State != model.StateAwaitingReply {
		return nil
	}
	machine := lifecycle.Restore(th.ThreadID, th.State)
	if err := o.fireAndPersist(ctx, &th, machine, model.TriggerReplyTimeout); err != nil {
		return err
	}
	o.recordEvent(ctx, model.EventStalled, th, nil)
	return nil
}

func (o *Orchestrator) fireAndPersist(ctx context.Context, th *model.NegotiationThread, machine *lifecycle.Machine, trigger model.Trigger) error {
	return o.fireAndPersistUpdate(ctx, th, machine, trigger, nil)
}

// fireAndPersistUpdate applies one transition, an optional thread mutation,
// and persists the result plus the history row.
func (o *Orchestrator) fireAndPersistUpdate(ctx context.Context, th *model.NegotiationThread, machine *lifecycle.Machine, trigger model.Trigger, update func(*model.NegotiationThread)) error {
	now := time.Now().UTC()
	next, err := machine.Fire(trigger, now)
	if err != nil {
		return err
	}
	th.State = next
	th.UpdatedAt = now
	if update != nil {
		update(th)
	}
	if err := o.repo.SaveThread(ctx, *th); err != nil {
		return err
	}
	history := machine.History()
	rec := history[len(history)-1]
	if err := o.repo.AppendTransition(ctx, rec); err != nil {
		return err
	}
	o.recordEvent(ctx, model.EventTransition, *th, map[string]string{
		"from":    string(rec.From),
		"trigger": string(rec.Trigger),
		"to":      string(rec.To),
	})
	return nil
}

func (o *Orchestrator) recordEvent(ctx context.Context, eventType string, th model.NegotiationThread, payload map[string]string) {
	campaignID := ""
	if th.CampaignID != nil {
		campaignID = *th.CampaignID
	}
	if err := o.audit.RecordEvent(ctx, eventType, th.ThreadID, campaignID, payload); err != nil {
		o.logger.Warn("audit event failed", "thread_id", th.ThreadID, "event_type", eventType, "err", err)
	}
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
