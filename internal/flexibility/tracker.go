// Package flexibility tracks campaign-level pricing posture: how much the
// authorized ceiling for the next counterpart may flex given what the
// campaign has already paid and how strong the counterpart's engagement is.
package flexibility

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/g960059/dealgate/internal/model"
)

// PremiumTier maps an engagement-rate threshold to a ceiling multiplier.
// A counterpart qualifies for the highest tier whose MinEngagement it meets.
type PremiumTier struct {
	MinEngagement float64
	Multiplier    decimal.Decimal
}

type Config struct {
	// HardCapMultiple bounds the adjusted ceiling to this multiple of the
	// campaign's configured ceiling regardless of engagement premium.
	HardCapMultiple decimal.Decimal
	Tiers           []PremiumTier
}

func DefaultConfig() Config {
	return Config{
		HardCapMultiple: decimal.NewFromFloat(1.20),
		Tiers: []PremiumTier{
			{MinEngagement: 0.03, Multiplier: decimal.NewFromFloat(1.08)},
			{MinEngagement: 0.06, Multiplier: decimal.NewFromFloat(1.15)},
		},
	}
}

// Adjustment is the flexed ceiling for the next counterpart plus the
// factors that drove it.
type Adjustment struct {
	CeilingCPM decimal.Decimal
	Rationale  string
}

// Tracker owns one campaign's flexibility state. Appends are serialized;
// reads see the most recently committed snapshot.
type Tracker struct {
	mu    sync.RWMutex
	cfg   Config
	state model.CampaignFlexibilityState
}

func NewTracker(state model.CampaignFlexibilityState, cfg Config) *Tracker {
	tiers := make([]PremiumTier, len(cfg.Tiers))
	copy(tiers, cfg.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinEngagement < tiers[j].MinEngagement })
	cfg.Tiers = tiers
	return &Tracker{cfg: cfg, state: state}
}

// RecordClosedDeal appends one closed deal to the campaign.
func (t *Tracker) RecordClosedDeal(priceCPM decimal.Decimal, engagement float64, closedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	t.state.ClosedDeals = append(t.state.ClosedDeals, model.ClosedDeal{
		PriceCPM:   priceCPM,
		Engagement: engagement,
		ClosedAt:   closedAt,
	})
	t.state.UpdatedAt = closedAt
}

// State returns a snapshot copy of the campaign state for persistence.
func (t *Tracker) State() model.CampaignFlexibilityState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.state
	out.ClosedDeals = make([]model.ClosedDeal, len(t.state.ClosedDeals))
	copy(out.ClosedDeals, t.state.ClosedDeals)
	return out
}

// AdjustedCeiling computes the acceptable ceiling CPM for the next
// counterpart. Campaign pressure moves the baseline by half the remaining
// headroom, engagement quality can add a premium, and the result is always
// clamped to HardCapMultiple of the configured ceiling.
func (t *Tracker) AdjustedCeiling(engagement float64) Adjustment {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ceiling := t.state.CeilingCPM
	reasons := make([]string, 0, 3)

	baseline := ceiling
	if n := len(t.state.ClosedDeals); n > 0 {
		sum := decimal.Zero
		for _, d := range t.state.ClosedDeals {
			sum = sum.Add(d.PriceCPM)
		}
		avg := sum.Div(decimal.NewFromInt(int64(n)))
		headroom := ceiling.Sub(avg)
		baseline = avg.Add(headroom.Div(decimal.NewFromInt(2)))
		reasons = append(reasons, fmt.Sprintf("avg closed %s CPM over %d deals, headroom %s", avg.Round(2), n, headroom.Round(2)))
	} else {
		reasons = append(reasons, "no closed deals yet, baseline at configured ceiling")
	}

	adjusted := baseline
	if tier, ok := t.tierFor(engagement); ok {
		adjusted = adjusted.Mul(tier.Multiplier)
		reasons = append(reasons, fmt.Sprintf("engagement %.2f%% earns %s premium", engagement*100, tier.Multiplier))
	} else {
		reasons = append(reasons, fmt.Sprintf("engagement %.2f%% below premium threshold", engagement*100))
	}

	hardCap := ceiling.Mul(t.cfg.HardCapMultiple)
	if adjusted.GreaterThan(hardCap) {
		adjusted = hardCap
		reasons = append(reasons, fmt.Sprintf("clamped to hard cap %s", hardCap.Round(2)))
	}

	// Cheap closes can pull the dampened baseline under the floor; the
	// adjusted ceiling must still leave a valid floor..ceiling band.
	if floor := t.state.FloorCPM; adjusted.LessThan(floor) {
		adjusted = floor
		reasons = append(reasons, fmt.Sprintf("raised to campaign floor %s", floor.Round(2)))
	}

	return Adjustment{
		CeilingCPM: adjusted.Round(2),
		Rationale:  strings.Join(reasons, "; "),
	}
}

func (t *Tracker) tierFor(engagement float64) (PremiumTier, bool) {
	var best PremiumTier
	found := false
	for _, tier := range t.cfg.Tiers {
		if engagement >= tier.MinEngagement {
			best = tier
			found = true
		}
	}
	return best, found
}
