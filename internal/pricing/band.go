package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Verdict classifies a proposed price against a band.
type Verdict string

const (
	VerdictWithinBand   Verdict = "within_band"
	VerdictAboveCeiling Verdict = "above_ceiling"
	VerdictBelowFloor   Verdict = "below_floor"
)

// Rates are the authorized CPM rates for a campaign or counterpart.
type Rates struct {
	FloorCPM   decimal.Decimal
	TargetCPM  decimal.Decimal
	CeilingCPM decimal.Decimal
}

func (r Rates) validate() error {
	if r.FloorCPM.GreaterThan(r.TargetCPM) || r.TargetCPM.GreaterThan(r.CeilingCPM) {
		return fmt.Errorf("rates must satisfy floor <= target <= ceiling, got %s/%s/%s",
			r.FloorCPM, r.TargetCPM, r.CeilingCPM)
	}
	return nil
}

// Band is the authorized absolute price range for a given reach value.
// Recomputed per evaluation, never mutated in place.
type Band struct {
	Floor   decimal.Decimal
	Target  decimal.Decimal
	Ceiling decimal.Decimal
}

// Proposal is the judgment on a counterpart's proposed absolute price.
type Proposal struct {
	Price      decimal.Decimal
	ImpliedCPM decimal.Decimal
	Verdict    Verdict
}

var thousand = decimal.NewFromInt(1000)

// ComputeBand converts CPM rates and a representative reach value into an
// absolute price band. Pure: the same inputs always yield the same band.
func ComputeBand(reach float64, rates Rates) (Band, error) {
	if err := rates.validate(); err != nil {
		return Band{}, err
	}
	if reach <= 0 {
		return Band{}, fmt.Errorf("reach must be positive, got %v", reach)
	}
	units := decimal.NewFromFloat(reach).Div(thousand)
	return Band{
		Floor:   rates.FloorCPM.Mul(units).Round(2),
		Target:  rates.TargetCPM.Mul(units).Round(2),
		Ceiling: rates.CeilingCPM.Mul(units).Round(2),
	}, nil
}

// EvaluateProposal judges a proposed absolute price against a band and
// reports the CPM the proposal implies at the given reach.
func EvaluateProposal(band Band, reach float64, proposed decimal.Decimal) (Proposal, error) {
	if reach <= 0 {
		return Proposal{}, fmt.Errorf("reach must be positive, got %v", reach)
	}
	implied := proposed.Mul(thousand).Div(decimal.NewFromFloat(reach)).Round(2)
	verdict := VerdictWithinBand
	switch {
	case proposed.GreaterThan(band.Ceiling):
		verdict = VerdictAboveCeiling
	case proposed.LessThan(band.Floor):
		verdict = VerdictBelowFloor
	}
	return Proposal{Price: proposed, ImpliedCPM: implied, Verdict: verdict}, nil
}

// CounterPrice computes the authoritative price for the next outbound
// counter. With no counterpart proposal it holds at the target; otherwise it
// splits the difference with the proposal and clamps to the band.
func CounterPrice(band Band, proposed *decimal.Decimal) decimal.Decimal {
	if proposed == nil {
		return band.Target
	}
	two := decimal.NewFromInt(2)
	counter := band.Target.Add(*proposed).Div(two).Round(2)
	if counter.GreaterThan(band.Ceiling) {
		return band.Ceiling
	}
	if counter.LessThan(band.Floor) {
		return band.Floor
	}
	return counter
}
