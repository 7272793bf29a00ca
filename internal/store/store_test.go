package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/g960059/dealgate/internal/model"
	"github.com/g960059/dealgate/internal/store"
	"github.com/g960059/dealgate/internal/testutil"
)

func TestThreadRoundTrip(t *testing.T) {
	st, ctx := testutil.NewStore(t)

	campaignID := "cmp-1"
	counter := decimal.RequireFromString("1250.50")
	replyAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	want := model.NegotiationThread{
		ThreadID:        "th-1",
		CounterpartName: "Jamie Rivers",
		Platform:        model.PlatformShortVideo,
		Deliverable:     "one 60s dedicated video",
		CampaignID:      &campaignID,
		Round:           2,
		State:           model.StateCounterSent,
		EngagementRate:  0.045,
		ReachSamples:    []int64{95000, 102000, 98000},
		LastCounter:     &counter,
		LastReplyAt:     &replyAt,
		CreatedAt:       time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		UpdatedAt:       time.Date(2026, 3, 14, 9, 27, 0, 0, time.UTC),
	}
	if err := st.SaveThread(ctx, want); err != nil {
		t.Fatalf("save thread: %v", err)
	}

	got, err := st.LoadThread(ctx, "th-1")
	if err != nil {
		t.Fatalf("load thread: %v", err)
	}
	if got.CounterpartName != want.CounterpartName || got.Platform != want.Platform ||
		got.Deliverable != want.Deliverable || got.Round != want.Round || got.State != want.State {
		t.Fatalf("thread fields did not round-trip: %+v", got)
	}
	if got.CampaignID == nil || *got.CampaignID != campaignID {
		t.Fatalf("campaign_id did not round-trip: %v", got.CampaignID)
	}
	if got.LastCounter == nil || !got.LastCounter.Equal(counter) {
		t.Fatalf("last_counter did not round-trip: %v", got.LastCounter)
	}
	if got.LastReplyAt == nil || !got.LastReplyAt.Equal(replyAt) {
		t.Fatalf("last_reply_at did not round-trip: %v", got.LastReplyAt)
	}
	if len(got.ReachSamples) != 3 || got.ReachSamples[2] != 98000 {
		t.Fatalf("reach samples did not round-trip: %v", got.ReachSamples)
	}
}

func TestLoadThreadNotFound(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	if _, err := st.LoadThread(ctx, "absent"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveThreadUpserts(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	th := testutil.SeedThread(t, st, ctx, "th-up", nil)

	th.Round = 1
	th.State = model.StateCounterSent
	th.UpdatedAt = th.UpdatedAt.Add(time.Minute)
	if err := st.SaveThread(ctx, th); err != nil {
		t.Fatalf("resave thread: %v", err)
	}

	got, err := st.LoadThread(ctx, "th-up")
	if err != nil {
		t.Fatalf("load thread: %v", err)
	}
	if got.Round != 1 || got.State != model.StateCounterSent {
		t.Fatalf("upsert did not apply: round=%d state=%s", got.Round, got.State)
	}
	if !got.CreatedAt.Equal(th.CreatedAt) {
		t.Fatalf("created_at must survive upsert: %v vs %v", got.CreatedAt, th.CreatedAt)
	}
}

func TestListThreadsInState(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	older := testutil.SeedThread(t, st, ctx, "th-old", nil)
	older.UpdatedAt = older.UpdatedAt.Add(-2 * time.Hour)
	if err := st.SaveThread(ctx, older); err != nil {
		t.Fatalf("age thread: %v", err)
	}
	testutil.SeedThread(t, st, ctx, "th-new", nil)

	done := testutil.SeedThread(t, st, ctx, "th-done", nil)
	done.State = model.StateAgreed
	if err := st.SaveThread(ctx, done); err != nil {
		t.Fatalf("close thread: %v", err)
	}

	got, err := st.ListThreadsInState(ctx, model.StateAwaitingReply)
	if err != nil {
		t.Fatalf("list threads: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 awaiting threads, got %d", len(got))
	}
	if got[0].ThreadID != "th-old" || got[1].ThreadID != "th-new" {
		t.Fatalf("expected oldest first, got %s then %s", got[0].ThreadID, got[1].ThreadID)
	}
}

func TestTransitionHistoryAppends(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedThread(t, st, ctx, "th-hist", nil)

	now := time.Now().UTC()
	edges := []model.TransitionRecord{
		{ThreadID: "th-hist", From: model.StateAwaitingReply, Trigger: model.TriggerCounterReply, To: model.StateCounterReceived, At: now},
		{ThreadID: "th-hist", From: model.StateCounterReceived, Trigger: model.TriggerCounterValidated, To: model.StateCounterSent, At: now.Add(time.Second)},
	}
	for _, e := range edges {
		if err := st.AppendTransition(ctx, e); err != nil {
			t.Fatalf("append transition: %v", err)
		}
	}

	got, err := st.ListTransitions(ctx, "th-hist")
	if err != nil {
		t.Fatalf("list transitions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(got))
	}
	if got[0].Trigger != model.TriggerCounterReply || got[1].Trigger != model.TriggerCounterValidated {
		t.Fatalf("history out of order: %+v", got)
	}
	if got[1].From != model.StateCounterReceived || got[1].To != model.StateCounterSent {
		t.Fatalf("edge did not round-trip: %+v", got[1])
	}
}

func TestCampaignStateRoundTrip(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	cs := testutil.SeedCampaign(t, st, ctx, "cmp-rt", "20", "30")

	cs.ClosedDeals = append(cs.ClosedDeals, model.ClosedDeal{
		PriceCPM:   decimal.RequireFromString("22.50"),
		Engagement: 0.04,
		ClosedAt:   time.Now().UTC(),
	})
	if err := st.SaveCampaignState(ctx, cs); err != nil {
		t.Fatalf("save campaign with deal: %v", err)
	}
	// Saving the same state again must not duplicate persisted deals.
	if err := st.SaveCampaignState(ctx, cs); err != nil {
		t.Fatalf("resave campaign: %v", err)
	}

	got, err := st.LoadCampaignState(ctx, "cmp-rt")
	if err != nil {
		t.Fatalf("load campaign: %v", err)
	}
	if got.FloorCPM.String() != "20" || got.CeilingCPM.String() != "30" || got.ExpectedCount != 10 {
		t.Fatalf("campaign fields did not round-trip: %+v", got)
	}
	if len(got.ClosedDeals) != 1 {
		t.Fatalf("expected exactly 1 closed deal, got %d", len(got.ClosedDeals))
	}
	if !got.ClosedDeals[0].PriceCPM.Equal(decimal.RequireFromString("22.50")) {
		t.Fatalf("deal price did not round-trip: %s", got.ClosedDeals[0].PriceCPM)
	}

	got.ClosedDeals = append(got.ClosedDeals, model.ClosedDeal{
		PriceCPM:   decimal.RequireFromString("25"),
		Engagement: 0.06,
		ClosedAt:   time.Now().UTC(),
	})
	if err := st.SaveCampaignState(ctx, got); err != nil {
		t.Fatalf("append second deal: %v", err)
	}
	got, err = st.LoadCampaignState(ctx, "cmp-rt")
	if err != nil {
		t.Fatalf("reload campaign: %v", err)
	}
	if len(got.ClosedDeals) != 2 {
		t.Fatalf("expected 2 closed deals, got %d", len(got.ClosedDeals))
	}
}

func TestEscalationLifecycle(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	testutil.SeedThread(t, st, ctx, "th-esc", nil)

	proposed := decimal.RequireFromString("40")
	floor := decimal.RequireFromString("20")
	ceiling := decimal.RequireFromString("30")
	rec := model.EscalationRecord{
		EscalationID: "esc-1",
		ThreadID:     "th-esc",
		Counterpart:  "Jamie Rivers",
		ReasonCode:   model.ReasonOutOfBand,
		Failures:     []string{"monetary_accuracy: figure mismatch"},
		ProposedCPM:  &proposed,
		FloorCPM:     &floor,
		CeilingCPM:   &ceiling,
		CreatedAt:    time.Now().UTC(),
	}
	if err := st.InsertEscalation(ctx, rec); err != nil {
		t.Fatalf("insert escalation: %v", err)
	}

	open, err := st.ListOpenEscalations(ctx)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].EscalationID != "esc-1" {
		t.Fatalf("expected one open escalation, got %+v", open)
	}
	if open[0].ProposedCPM == nil || !open[0].ProposedCPM.Equal(proposed) {
		t.Fatalf("proposed_cpm did not round-trip: %v", open[0].ProposedCPM)
	}
	if len(open[0].Failures) != 1 {
		t.Fatalf("failures did not round-trip: %v", open[0].Failures)
	}

	if err := st.ResolveEscalation(ctx, "esc-1", model.ResolutionApproved, time.Now().UTC()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, err = st.ListOpenEscalations(ctx)
	if err != nil {
		t.Fatalf("list open after resolve: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("resolved escalation still listed open: %+v", open)
	}

	got, err := st.GetEscalation(ctx, "esc-1")
	if err != nil {
		t.Fatalf("get escalation: %v", err)
	}
	if got.Resolution != model.ResolutionApproved || got.ResolvedAt == nil {
		t.Fatalf("resolution not recorded: %+v", got)
	}

	if err := st.ResolveEscalation(ctx, "esc-1", model.ResolutionDeclined, time.Now().UTC()); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate on double resolve, got %v", err)
	}
	if err := st.ResolveEscalation(ctx, "esc-missing", model.ResolutionApproved, time.Now().UTC()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown escalation, got %v", err)
	}
}

func TestRecordEvent(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	if err := st.RecordEvent(ctx, model.EventEscalated, "th-audit", "cmp-audit", map[string]string{"reason": model.ReasonMaxRounds}); err != nil {
		t.Fatalf("record event: %v", err)
	}

	var count int
	if err := st.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM audit_events WHERE thread_id = ?`, "th-audit").Scan(&count); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 audit event, got %d", count)
	}
}
