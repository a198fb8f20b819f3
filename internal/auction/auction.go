// Package auction computes Dutch-auction rates and decides bid acceptance.
// Rate computation is a pure function of the auction parameters and a clock
// reading; all arithmetic is arbitrary-precision integer with a fixed 1e18
// scale for interpolation, never floating point.
package auction

import (
	"math/big"
	"sort"
	"time"

	"github.com/unite-defi/fusion-relayer/internal/types"
)

// scale is the fixed denominator for interpolation ratios.
var scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// CurrentRate returns the quoted rate at the given instant.
//
// Before the auction window it clamps to StartRate, after it to EndRate.
// Inside the window, a supplied piecewise curve is interpolated within the
// bracketing segment; otherwise a single linear segment from StartRate to
// EndRate is used. Both decreasing and increasing curves are supported.
func CurrentRate(a *types.AuctionParams, now time.Time) *big.Int {
	ts := uint64(now.Unix())
	if ts <= a.StartTime {
		return new(big.Int).Set(a.StartRate)
	}
	if ts >= a.EndTime {
		return new(big.Int).Set(a.EndRate)
	}

	elapsed := ts - a.StartTime
	if len(a.PriceCurve) > 0 {
		return curveRate(a, elapsed)
	}
	return interpolate(a.StartRate, a.EndRate, elapsed, a.EndTime-a.StartTime)
}

// curveRate interpolates within the bracketing curve segment. Offsets before
// the first point interpolate from StartRate; offsets past the last point
// clamp to the last point's rate.
func curveRate(a *types.AuctionParams, elapsed uint64) *big.Int {
	points := a.PriceCurve
	if !sort.SliceIsSorted(points, func(i, j int) bool {
		return points[i].TimeOffset < points[j].TimeOffset
	}) {
		points = append([]types.PriceCurvePoint(nil), points...)
		sort.Slice(points, func(i, j int) bool {
			return points[i].TimeOffset < points[j].TimeOffset
		})
	}

	prevOffset := uint64(0)
	prevRate := a.StartRate
	if points[0].TimeOffset == 0 {
		prevRate = points[0].Rate
		points = points[1:]
		if len(points) == 0 {
			return new(big.Int).Set(prevRate)
		}
	}

	for _, p := range points {
		if elapsed <= p.TimeOffset {
			return interpolate(prevRate, p.Rate, elapsed-prevOffset, p.TimeOffset-prevOffset)
		}
		prevOffset = p.TimeOffset
		prevRate = p.Rate
	}
	return new(big.Int).Set(prevRate)
}

// interpolate computes from + (to-from) * elapsed/total at 1e18 scale.
func interpolate(from, to *big.Int, elapsed, total uint64) *big.Int {
	if total == 0 {
		return new(big.Int).Set(to)
	}
	ratio := new(big.Int).Mul(new(big.Int).SetUint64(elapsed), scale)
	ratio.Div(ratio, new(big.Int).SetUint64(total))

	diff := new(big.Int).Sub(to, from)
	diff.Mul(diff, ratio)
	diff.Div(diff, scale)
	return diff.Add(diff, from)
}

// Decision is the outcome of evaluating a bid.
type Decision int

const (
	// Reject means the bid does not meet the current rate.
	Reject Decision = iota
	// Accept means the bid wins the auction.
	Accept
)

// BidPolicy decides whether a bid wins a running auction. Policies must be
// pure so the coordinator can evaluate bids inside the per-order task.
type BidPolicy interface {
	Evaluate(a *types.AuctionParams, bid *types.ResolverBid, now time.Time) Decision
}

// FirstAcceptable accepts the first bid at or under the current Dutch rate.
// It is the default selection policy.
type FirstAcceptable struct{}

// Evaluate implements BidPolicy. A decreasing curve quotes the minimum
// return the maker accepts at that instant, so a bid wins by meeting or
// exceeding the quote; for an increasing curve (the resolver's asked amount
// rising over time) the comparison flips.
func (FirstAcceptable) Evaluate(a *types.AuctionParams, bid *types.ResolverBid, now time.Time) Decision {
	if bid.BidRate == nil || bid.BidRate.Sign() <= 0 {
		return Reject
	}
	current := CurrentRate(a, now)
	if a.StartRate.Cmp(a.EndRate) >= 0 {
		if bid.BidRate.Cmp(current) >= 0 {
			return Accept
		}
		return Reject
	}
	if bid.BidRate.Cmp(current) <= 0 {
		return Accept
	}
	return Reject
}

// Closed reports whether the auction window has ended.
func Closed(a *types.AuctionParams, now time.Time) bool {
	return uint64(now.Unix()) >= a.EndTime
}
