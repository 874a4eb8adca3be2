package pipeline

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const (
	trailingPoints = 10
	priceScale     = 18
)

// priceOf returns reserve1/reserve0, false when reserve0 is not positive.
func priceOf(reserve0, reserve1 *big.Int) (decimal.Decimal, bool) {
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() <= 0 {
		return decimal.Zero, false
	}
	return decimal.NewFromBigInt(reserve1, 0).DivRound(decimal.NewFromBigInt(reserve0, 0), priceScale), true
}

// priceHistory keeps one sliding window of points per pool. Callers
// synchronise access.
type priceHistory struct {
	window time.Duration
	pools  map[common.Address][]PricePoint
}

func newPriceHistory(window time.Duration) *priceHistory {
	return &priceHistory{window: window, pools: make(map[common.Address][]PricePoint)}
}

// trailingAverage averages the last trailingPoints prices of pool.
func (h *priceHistory) trailingAverage(pool common.Address) (decimal.Decimal, bool) {
	points := h.pools[pool]
	if len(points) == 0 {
		return decimal.Zero, false
	}
	if len(points) > trailingPoints {
		points = points[len(points)-trailingPoints:]
	}
	sum := decimal.Zero
	for _, p := range points {
		sum = sum.Add(p.Price)
	}
	return sum.Div(decimal.NewFromInt(int64(len(points)))), true
}

// add appends a point and prunes everything older than the window
// relative to the new point.
func (h *priceHistory) add(pool common.Address, point PricePoint) {
	points := append(h.pools[pool], point)
	cutoff := point.Timestamp.Add(-h.window)
	keep := 0
	for keep < len(points) && points[keep].Timestamp.Before(cutoff) {
		keep++
	}
	if keep > 0 {
		points = append([]PricePoint(nil), points[keep:]...)
	}
	h.pools[pool] = points
}

func (h *priceHistory) snapshot(pool common.Address) []PricePoint {
	points := h.pools[pool]
	out := make([]PricePoint, len(points))
	copy(out, points)
	return out
}
