package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/g960059/dealgate/internal/model"
	"github.com/g960059/dealgate/internal/store"
)

func NewStore(t *testing.T) (*store.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "dealgate-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	if err := store.ApplyMigrations(ctx, st.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return st, ctx
}

// SeedThread persists a minimal awaiting thread and returns it.
func SeedThread(t *testing.T, st *store.Store, ctx context.Context, threadID string, campaignID *string) model.NegotiationThread {
	t.Helper()
	now := time.Now().UTC()
	th := model.NegotiationThread{
		ThreadID:        threadID,
		CounterpartName: "Jamie Rivers",
		Platform:        model.PlatformShortVideo,
		Deliverable:     "one 60s dedicated video",
		CampaignID:      campaignID,
		State:           model.StateAwaitingReply,
		EngagementRate:  0.045,
		ReachSamples:    []int64{95000, 102000, 98000, 110000, 99000},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := st.SaveThread(ctx, th); err != nil {
		t.Fatalf("seed thread: %v", err)
	}
	return th
}

// SeedCampaign persists a campaign with the given CPM band.
func SeedCampaign(t *testing.T, st *store.Store, ctx context.Context, campaignID, floorCPM, ceilingCPM string) model.CampaignFlexibilityState {
	t.Helper()
	floor, err := decimal.NewFromString(floorCPM)
	if err != nil {
		t.Fatalf("parse floor: %v", err)
	}
	ceiling, err := decimal.NewFromString(ceilingCPM)
	if err != nil {
		t.Fatalf("parse ceiling: %v", err)
	}
	cs := model.CampaignFlexibilityState{
		CampaignID:    campaignID,
		FloorCPM:      floor,
		CeilingCPM:    ceiling,
		ExpectedCount: 10,
		UpdatedAt:     time.Now().UTC(),
	}
	if err := st.SaveCampaignState(ctx, cs); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	return cs
}
