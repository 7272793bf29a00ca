package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/g960059/dealgate/internal/collab"
	"github.com/g960059/dealgate/internal/config"
	"github.com/g960059/dealgate/internal/model"
	"github.com/g960059/dealgate/internal/orchestrator"
	"github.com/g960059/dealgate/internal/store"
	"github.com/g960059/dealgate/internal/testutil"
)

type fakeClassifier struct {
	cls   collab.Classification
	err   error
	calls int
}

func (f *fakeClassifier) Classify(ctx context.Context, messageText string, tc collab.ThreadContext) (collab.Classification, error) {
	f.calls++
	return f.cls, f.err
}

type fakeComposer struct {
	draft string
	err   error
	calls int
	last  collab.ComposeRequest
}

func (f *fakeComposer) Compose(ctx context.Context, req collab.ComposeRequest) (string, error) {
	f.calls++
	f.last = req
	return f.draft, f.err
}

type fakeNotifier struct {
	escalations []model.EscalationRecord
	agreements  int
	lastFinal   *decimal.Decimal
}

func (f *fakeNotifier) NotifyEscalation(ctx context.Context, rec model.EscalationRecord) error {
	f.escalations = append(f.escalations, rec)
	return nil
}

func (f *fakeNotifier) NotifyAgreement(ctx context.Context, thread model.NegotiationThread, finalPrice *decimal.Decimal) error {
	f.agreements++
	f.lastFinal = finalPrice
	return nil
}

func newOrchestrator(t *testing.T, st *store.Store, cfg config.Config, cls *fakeClassifier, comp *fakeComposer, not *fakeNotifier) *orchestrator.Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch, err := orchestrator.New(cfg, st, cls, comp, not, st, logger)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch
}

func counterOffer(price string, confidence float64) collab.Classification {
	p := decimal.RequireFromString(price)
	return collab.Classification{
		Intent:        collab.IntentCounterOffer,
		Confidence:    confidence,
		ProposedPrice: &p,
		Summary:       "asked for more",
	}
}

func TestCreateThreadStartsAwaiting(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	orch := newOrchestrator(t, st, config.DefaultConfig(), &fakeClassifier{}, &fakeComposer{}, &fakeNotifier{})

	th, err := orch.CreateThread(ctx, model.NegotiationThread{
		CounterpartName: "Jamie Rivers",
		Platform:        model.PlatformShortVideo,
		Deliverable:     "one 60s dedicated video",
		EngagementRate:  0.045,
		ReachSamples:    []int64{95000, 102000, 98000, 110000, 99000},
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if th.ThreadID == "" {
		t.Fatal("expected a generated thread id")
	}
	got, err := st.LoadThread(ctx, th.ThreadID)
	if err != nil {
		t.Fatalf("load created thread: %v", err)
	}
	if got.State != model.StateAwaitingReply || got.Round != 0 {
		t.Fatalf("expected awaiting round 0, got %s round %d", got.State, got.Round)
	}
}

// Campaign band at engagement 0.045: ceiling 30 lifts to 32.4 via the mid
// premium tier, floor stays 20, target is the midpoint 26.2. The filtered
// reach of the seed samples is 98500, so the absolute band is
// 1970 / 2580.70 / 3191.40 and the split against a 2500 proposal is 2540.35.
func TestHandleReplyCounterWithinBand(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedCampaign(t, st, ctx, "cmp-1", "20", "30")
	campaignID := "cmp-1"
	th := testutil.SeedThread(t, st, ctx, "th-counter", &campaignID)

	cls := &fakeClassifier{cls: counterOffer("2500", 0.92)}
	comp := &fakeComposer{draft: "Hi Jamie, thanks for the note. We can move to $2,540.35 for one 60s dedicated video with a two week posting window. Does that work for you?"}
	not := &fakeNotifier{}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, comp, not)

	dec, err := orch.HandleReply(ctx, th.ThreadID, "we were thinking more like $2,500")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionSend {
		t.Fatalf("expected send, got %s", dec.Action)
	}
	if dec.State != model.StateCounterSent {
		t.Fatalf("expected counter_sent, got %s", dec.State)
	}
	if dec.FinalPrice == nil || !dec.FinalPrice.Equal(decimal.RequireFromString("2540.35")) {
		t.Fatalf("expected counter 2540.35, got %v", dec.FinalPrice)
	}
	if comp.calls != 1 || !comp.last.Price.Equal(decimal.RequireFromString("2540.35")) {
		t.Fatalf("composer received wrong price: calls=%d price=%s", comp.calls, comp.last.Price)
	}

	got, err := st.LoadThread(ctx, th.ThreadID)
	if err != nil {
		t.Fatalf("load thread: %v", err)
	}
	if got.Round != 1 {
		t.Fatalf("round must advance on a validated counter, got %d", got.Round)
	}
	if got.LastCounter == nil || !got.LastCounter.Equal(decimal.RequireFromString("2540.35")) {
		t.Fatalf("last counter not persisted: %v", got.LastCounter)
	}

	hist, err := st.ListTransitions(ctx, th.ThreadID)
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(hist) != 2 || hist[0].Trigger != model.TriggerCounterReply || hist[1].Trigger != model.TriggerCounterValidated {
		t.Fatalf("unexpected history: %+v", hist)
	}

	if err := orch.MarkDispatched(ctx, th.ThreadID); err != nil {
		t.Fatalf("mark dispatched: %v", err)
	}
	got, err = st.LoadThread(ctx, th.ThreadID)
	if err != nil {
		t.Fatalf("reload thread: %v", err)
	}
	if got.State != model.StateAwaitingReply {
		t.Fatalf("expected awaiting after dispatch, got %s", got.State)
	}
}

// Without a campaign the default 10/30 CPM band applies: at reach 98500 the
// absolute band is 985 / 1970 / 2955, so a 4000 proposal is above ceiling.
func TestHandleReplyOutOfBandEscalates(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-oob", nil)

	cls := &fakeClassifier{cls: counterOffer("4000", 0.9)}
	comp := &fakeComposer{draft: "unused"}
	not := &fakeNotifier{}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, comp, not)

	dec, err := orch.HandleReply(ctx, th.ThreadID, "our rate is $4,000 flat")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionEscalate || dec.State != model.StateEscalated {
		t.Fatalf("expected escalate/escalated, got %s/%s", dec.Action, dec.State)
	}
	if comp.calls != 0 {
		t.Fatalf("composer must not run for an out-of-band proposal, calls=%d", comp.calls)
	}
	rec := dec.Escalation
	if rec == nil || rec.ReasonCode != model.ReasonOutOfBand {
		t.Fatalf("expected out_of_band_proposal escalation, got %+v", rec)
	}
	if rec.FloorCPM == nil || !rec.FloorCPM.Equal(decimal.RequireFromString("985")) {
		t.Fatalf("escalation floor wrong: %v", rec.FloorCPM)
	}
	if rec.CeilingCPM == nil || !rec.CeilingCPM.Equal(decimal.RequireFromString("2955")) {
		t.Fatalf("escalation ceiling wrong: %v", rec.CeilingCPM)
	}
	if rec.ProposedCPM == nil || !rec.ProposedCPM.Equal(decimal.RequireFromString("40.61")) {
		t.Fatalf("implied CPM wrong: %v", rec.ProposedCPM)
	}
	if len(not.escalations) != 1 {
		t.Fatalf("expected one escalation notification, got %d", len(not.escalations))
	}

	got, err := st.LoadThread(ctx, th.ThreadID)
	if err != nil {
		t.Fatalf("load thread: %v", err)
	}
	if got.Round != 0 {
		t.Fatalf("round must not advance on escalation, got %d", got.Round)
	}
}

// Cheap closes drag the dampened baseline under the campaign floor: one deal
// at 5 CPM against a 20/30 band gives baseline 17.5, which the tracker raises
// back to the floor. The band stays valid (20/20/20 CPM, 1970 absolute at
// reach 98500) and an over-ask escalates as out of band, not as a failure.
func TestHandleReplyCheapDealsKeepValidBand(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedCampaign(t, st, ctx, "cmp-cheap", "20", "30")
	campaignID := "cmp-cheap"
	th := testutil.SeedThread(t, st, ctx, "th-cheap", &campaignID)

	cls := &fakeClassifier{cls: counterOffer("2500", 0.92)}
	comp := &fakeComposer{draft: "unused"}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, comp, &fakeNotifier{})

	if err := orch.RecordClosedDeal(ctx, "cmp-cheap", decimal.RequireFromString("5"), 0.02); err != nil {
		t.Fatalf("record closed deal: %v", err)
	}

	dec, err := orch.HandleReply(ctx, th.ThreadID, "we were thinking $2,500")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionEscalate {
		t.Fatalf("expected escalate, got %s", dec.Action)
	}
	if dec.Escalation.ReasonCode != model.ReasonOutOfBand {
		t.Fatalf("expected out_of_band_proposal, got %s", dec.Escalation.ReasonCode)
	}
	if dec.Escalation.FloorCPM == nil || !dec.Escalation.FloorCPM.Equal(decimal.RequireFromString("1970")) {
		t.Fatalf("band floor wrong: %v", dec.Escalation.FloorCPM)
	}
	if dec.Escalation.CeilingCPM == nil || !dec.Escalation.CeilingCPM.Equal(decimal.RequireFromString("1970")) {
		t.Fatalf("band ceiling wrong: %v", dec.Escalation.CeilingCPM)
	}
}

func TestHandleReplyAcceptance(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-accept", nil)
	last := decimal.RequireFromString("2000")
	th.LastCounter = &last
	if err := st.SaveThread(ctx, th); err != nil {
		t.Fatalf("save thread: %v", err)
	}

	cls := &fakeClassifier{cls: collab.Classification{Intent: collab.IntentAcceptance, Confidence: 0.95}}
	comp := &fakeComposer{draft: "unused"}
	not := &fakeNotifier{}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, comp, not)

	dec, err := orch.HandleReply(ctx, th.ThreadID, "deal, let's do it")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionAccept || dec.State != model.StateAgreed {
		t.Fatalf("expected accept/agreed, got %s/%s", dec.Action, dec.State)
	}
	if dec.FinalPrice == nil || !dec.FinalPrice.Equal(last) {
		t.Fatalf("final price must fall back to the last counter, got %v", dec.FinalPrice)
	}
	if not.agreements != 1 {
		t.Fatalf("expected one agreement notification, got %d", not.agreements)
	}
	if comp.calls != 0 {
		t.Fatalf("composer must not run on acceptance, calls=%d", comp.calls)
	}

	if _, err := orch.HandleReply(ctx, th.ThreadID, "one more thing"); !errors.Is(err, orchestrator.ErrThreadTerminal) {
		t.Fatalf("expected ErrThreadTerminal on agreed thread, got %v", err)
	}
}

// Accepting the initial outreach means no counter was ever priced: there is
// no final price, but the agreement notification still fires.
func TestHandleReplyAcceptanceFreshThread(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-accept-fresh", nil)

	cls := &fakeClassifier{cls: collab.Classification{Intent: collab.IntentAcceptance, Confidence: 0.95}}
	not := &fakeNotifier{}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, &fakeComposer{}, not)

	dec, err := orch.HandleReply(ctx, th.ThreadID, "sounds good, let's go ahead")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionAccept || dec.State != model.StateAgreed {
		t.Fatalf("expected accept/agreed, got %s/%s", dec.Action, dec.State)
	}
	if dec.FinalPrice != nil {
		t.Fatalf("expected no final price on a fresh acceptance, got %v", dec.FinalPrice)
	}
	if not.agreements != 1 {
		t.Fatalf("agreement must be notified even without a price, got %d calls", not.agreements)
	}
	if not.lastFinal != nil {
		t.Fatalf("notification must mark the price unknown, got %v", not.lastFinal)
	}
}

func TestHandleReplyRejection(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-reject", nil)

	cls := &fakeClassifier{cls: collab.Classification{Intent: collab.IntentRejection, Confidence: 0.9}}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, &fakeComposer{}, &fakeNotifier{})

	dec, err := orch.HandleReply(ctx, th.ThreadID, "we'll pass, thanks")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionReject || dec.State != model.StateRejected {
		t.Fatalf("expected reject/rejected, got %s/%s", dec.Action, dec.State)
	}
}

func TestHandleReplyRoundCapEscalates(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-cap", nil)
	th.Round = config.DefaultConfig().MaxRounds
	if err := st.SaveThread(ctx, th); err != nil {
		t.Fatalf("save thread: %v", err)
	}

	cls := &fakeClassifier{cls: counterOffer("2500", 0.9)}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, &fakeComposer{}, &fakeNotifier{})

	dec, err := orch.HandleReply(ctx, th.ThreadID, "can you do better?")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionEscalate || dec.Escalation.ReasonCode != model.ReasonMaxRounds {
		t.Fatalf("expected max_rounds escalation, got %+v", dec)
	}
	if cls.calls != 0 {
		t.Fatalf("classifier must not run once the round cap is hit, calls=%d", cls.calls)
	}
}

func TestHandleReplyLowConfidenceEscalates(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-lowconf", nil)

	cls := &fakeClassifier{cls: counterOffer("2500", 0.4)}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, &fakeComposer{}, &fakeNotifier{})

	dec, err := orch.HandleReply(ctx, th.ThreadID, "hmm maybe, what about the thing")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionEscalate || dec.Escalation.ReasonCode != model.ReasonLowConfidence {
		t.Fatalf("expected classification_unclear escalation, got %+v", dec)
	}
}

func TestHandleReplyClassifierFailureEscalates(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-clsfail", nil)

	cls := &fakeClassifier{err: errors.New("upstream 503")}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, &fakeComposer{}, &fakeNotifier{})

	dec, err := orch.HandleReply(ctx, th.ThreadID, "whatever this says")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionEscalate || dec.Escalation.ReasonCode != model.ReasonCollaboratorFailure {
		t.Fatalf("expected collaborator_failure escalation, got %+v", dec)
	}
}

func TestHandleReplyQuestionPolicy(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-question", nil)

	cls := &fakeClassifier{cls: collab.Classification{Intent: collab.IntentQuestion, Confidence: 0.9}}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, &fakeComposer{}, &fakeNotifier{})

	dec, err := orch.HandleReply(ctx, th.ThreadID, "does the fee include editing?")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionEscalate || dec.Escalation.ReasonCode != model.ReasonQuestionPolicy {
		t.Fatalf("expected question_requires_human escalation, got %+v", dec)
	}
}

// With question_policy autonomous and no proposed price the counter holds at
// the band target: 20 CPM at reach 98500 is 1970.
func TestHandleReplyQuestionAutonomous(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-question-auto", nil)

	cfg := config.DefaultConfig()
	cfg.QuestionPolicy = config.QuestionAutonomous
	cls := &fakeClassifier{cls: collab.Classification{Intent: collab.IntentQuestion, Confidence: 0.9, Summary: "asked about editing"}}
	comp := &fakeComposer{draft: "Good question! The $1,970 fee covers one 60s dedicated video including basic editing and one revision round. Happy to walk through the details."}
	orch := newOrchestrator(t, st, cfg, cls, comp, &fakeNotifier{})

	dec, err := orch.HandleReply(ctx, th.ThreadID, "does the fee include editing?")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionSend {
		t.Fatalf("expected autonomous answer, got %s", dec.Action)
	}
	if dec.FinalPrice == nil || !dec.FinalPrice.Equal(decimal.RequireFromString("1970")) {
		t.Fatalf("expected target hold at 1970, got %v", dec.FinalPrice)
	}
}

func TestHandleReplyValidationBlockedEscalates(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-blocked", nil)

	cls := &fakeClassifier{cls: counterOffer("2500", 0.9)}
	comp := &fakeComposer{draft: "Hi Jamie, we can do $9,999 for one 60s dedicated video, which is the best rate we can offer for this collaboration."}
	not := &fakeNotifier{}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, comp, not)

	dec, err := orch.HandleReply(ctx, th.ThreadID, "we were thinking $2,500")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Action != orchestrator.ActionEscalate || dec.Escalation.ReasonCode != model.ReasonValidationBlocked {
		t.Fatalf("expected validation_blocked escalation, got %+v", dec)
	}
	if dec.Escalation.Draft == "" || len(dec.Escalation.Failures) == 0 {
		t.Fatalf("escalation must carry the draft and failures: %+v", dec.Escalation)
	}
	if dec.Escalation.Price == nil || !dec.Escalation.Price.Equal(decimal.RequireFromString("2235")) {
		t.Fatalf("escalation must carry the authorized price, got %v", dec.Escalation.Price)
	}
}

func TestResolveEscalationApprove(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-resolve", nil)

	cls := &fakeClassifier{cls: counterOffer("2500", 0.9)}
	comp := &fakeComposer{draft: "Hi Jamie, we can do $9,999 for one 60s dedicated video, which is the best rate we can offer for this collaboration."}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, comp, &fakeNotifier{})

	dec, err := orch.HandleReply(ctx, th.ThreadID, "we were thinking $2,500")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	escID := dec.Escalation.EscalationID

	resolved, err := orch.ResolveEscalation(ctx, escID, true)
	if err != nil {
		t.Fatalf("resolve escalation: %v", err)
	}
	if resolved.Action != orchestrator.ActionSend || resolved.State != model.StateAwaitingReply {
		t.Fatalf("expected send/awaiting after approval, got %s/%s", resolved.Action, resolved.State)
	}
	if resolved.MessageBody != comp.draft {
		t.Fatalf("approval must return the held draft")
	}

	got, err := st.LoadThread(ctx, th.ThreadID)
	if err != nil {
		t.Fatalf("load thread: %v", err)
	}
	if got.Round != 1 {
		t.Fatalf("approved draft must advance the round, got %d", got.Round)
	}
	rec, err := st.GetEscalation(ctx, escID)
	if err != nil {
		t.Fatalf("get escalation: %v", err)
	}
	if rec.Resolution != model.ResolutionApproved || rec.ResolvedAt == nil {
		t.Fatalf("escalation not marked approved: %+v", rec)
	}

	// The thread has left ESCALATED; a second resolution has no legal edge.
	if _, err := orch.ResolveEscalation(ctx, escID, true); err == nil {
		t.Fatal("expected error on double resolution")
	}
}

// An out-of-band escalation holds no draft, so approving it has nothing to
// dispatch: the thread resumes awaiting and the decision says so.
func TestResolveEscalationApproveWithoutDraft(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-resume", nil)

	cls := &fakeClassifier{cls: counterOffer("4000", 0.9)}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, &fakeComposer{}, &fakeNotifier{})

	dec, err := orch.HandleReply(ctx, th.ThreadID, "our rate is $4,000 flat")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}
	if dec.Escalation.Draft != "" {
		t.Fatalf("out-of-band escalation must not hold a draft: %q", dec.Escalation.Draft)
	}

	resolved, err := orch.ResolveEscalation(ctx, dec.Escalation.EscalationID, true)
	if err != nil {
		t.Fatalf("resolve escalation: %v", err)
	}
	if resolved.Action != orchestrator.ActionResume || resolved.State != model.StateAwaitingReply {
		t.Fatalf("expected resume/awaiting, got %s/%s", resolved.Action, resolved.State)
	}
	if resolved.MessageBody != "" {
		t.Fatalf("resume must carry no message body, got %q", resolved.MessageBody)
	}

	got, err := st.LoadThread(ctx, th.ThreadID)
	if err != nil {
		t.Fatalf("load thread: %v", err)
	}
	if got.Round != 0 {
		t.Fatalf("round must not advance without a dispatched draft, got %d", got.Round)
	}
}

func TestResolveEscalationDecline(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-decline", nil)

	cls := &fakeClassifier{cls: collab.Classification{Intent: collab.IntentQuestion, Confidence: 0.9}}
	orch := newOrchestrator(t, st, config.DefaultConfig(), cls, &fakeComposer{}, &fakeNotifier{})

	dec, err := orch.HandleReply(ctx, th.ThreadID, "can we talk usage rights?")
	if err != nil {
		t.Fatalf("handle reply: %v", err)
	}

	resolved, err := orch.ResolveEscalation(ctx, dec.Escalation.EscalationID, false)
	if err != nil {
		t.Fatalf("resolve escalation: %v", err)
	}
	if resolved.Action != orchestrator.ActionReject || resolved.State != model.StateRejected {
		t.Fatalf("expected reject/rejected after decline, got %s/%s", resolved.Action, resolved.State)
	}
}

func TestSweepStalled(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	stale := testutil.SeedThread(t, st, ctx, "th-stale", nil)
	stale.UpdatedAt = time.Now().UTC().Add(-100 * time.Hour)
	if err := st.SaveThread(ctx, stale); err != nil {
		t.Fatalf("age thread: %v", err)
	}
	testutil.SeedThread(t, st, ctx, "th-fresh", nil)

	orch := newOrchestrator(t, st, config.DefaultConfig(), &fakeClassifier{}, &fakeComposer{}, &fakeNotifier{})

	n, err := orch.SweepStalled(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stalled thread, got %d", n)
	}
	got, err := st.LoadThread(ctx, "th-stale")
	if err != nil {
		t.Fatalf("load stale thread: %v", err)
	}
	if got.State != model.StateStalled {
		t.Fatalf("expected stalled, got %s", got.State)
	}
	fresh, err := st.LoadThread(ctx, "th-fresh")
	if err != nil {
		t.Fatalf("load fresh thread: %v", err)
	}
	if fresh.State != model.StateAwaitingReply {
		t.Fatalf("fresh thread must stay awaiting, got %s", fresh.State)
	}
}

// A closed deal raises the adjusted ceiling for the next thread in the same
// campaign. One deal at 28 CPM against a 20/30 band moves the baseline to
// 28 + (30-28)/2 = 29 before premiums.
func TestRecordClosedDealFlexesCampaign(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedCampaign(t, st, ctx, "cmp-flex", "20", "30")

	orch := newOrchestrator(t, st, config.DefaultConfig(), &fakeClassifier{}, &fakeComposer{}, &fakeNotifier{})
	if err := orch.RecordClosedDeal(ctx, "cmp-flex", decimal.RequireFromString("28"), 0.02); err != nil {
		t.Fatalf("record closed deal: %v", err)
	}

	got, err := st.LoadCampaignState(ctx, "cmp-flex")
	if err != nil {
		t.Fatalf("load campaign: %v", err)
	}
	if len(got.ClosedDeals) != 1 || !got.ClosedDeals[0].PriceCPM.Equal(decimal.RequireFromString("28")) {
		t.Fatalf("deal not persisted: %+v", got.ClosedDeals)
	}
}

func TestRegisterCampaignRejectsInvertedBand(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	orch := newOrchestrator(t, st, config.DefaultConfig(), &fakeClassifier{}, &fakeComposer{}, &fakeNotifier{})

	err := orch.RegisterCampaign(ctx, model.CampaignFlexibilityState{
		CampaignID: "cmp-bad",
		FloorCPM:   decimal.RequireFromString("30"),
		CeilingCPM: decimal.RequireFromString("20"),
	})
	if !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
