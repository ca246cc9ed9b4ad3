package transport

import (
	"math"
	"time"
)

const (
	rttAlpha   = 0.125
	jitterBeta = 0.25
)

type qualityTracker struct {
	rttMs       float64
	jitterMs    float64
	sampled     bool
	windowStart time.Time
	sent        uint64
	lost        uint64
	current     Quality
}

// sample folds one round-trip measurement into the moving averages.
func (q *qualityTracker) sample(rtt time.Duration) {
	ms := float64(rtt) / float64(time.Millisecond)
	if !q.sampled {
		q.rttMs = ms
		q.jitterMs = ms / 2
		q.sampled = true
		return
	}
	q.jitterMs = (1-jitterBeta)*q.jitterMs + jitterBeta*math.Abs(ms-q.rttMs)
	q.rttMs = (1-rttAlpha)*q.rttMs + rttAlpha*ms
}

// recompute closes the current window if interval has elapsed and reports
// whether the rating changed.
func (q *qualityTracker) recompute(now time.Time, interval time.Duration) (changed bool, closed bool) {
	if q.windowStart.IsZero() {
		q.windowStart = now
		return false, false
	}
	if now.Sub(q.windowStart) < interval {
		return false, false
	}
	loss := 0.0
	if q.sent > 0 {
		loss = float64(q.lost) / float64(q.sent) * 100
		if loss > 100 {
			loss = 100
		}
	}
	next := Quality{
		RTT:        time.Duration(q.rttMs * float64(time.Millisecond)),
		Jitter:     time.Duration(q.jitterMs * float64(time.Millisecond)),
		PacketLoss: loss,
	}
	next.Rating = rate(next.RTT, loss)
	changed = next.Rating != q.current.Rating
	q.current = next
	q.windowStart = now
	q.sent, q.lost = 0, 0
	return changed, true
}

func rate(rtt time.Duration, lossPercent float64) Rating {
	switch {
	case rtt < 50*time.Millisecond && lossPercent < 1:
		return RatingExcellent
	case rtt < 100*time.Millisecond && lossPercent < 2.5:
		return RatingGood
	case rtt < 200*time.Millisecond && lossPercent < 5:
		return RatingFair
	case rtt < 400*time.Millisecond && lossPercent < 10:
		return RatingPoor
	default:
		return RatingBad
	}
}
