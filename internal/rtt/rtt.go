// Package rtt estimates the round trip time of a link from the acks
// coming back for sequenced packets.
package rtt

import (
	"math"
	"sync"
	"time"

	"github.com/minilink-dev/minilink/internal/model"
)

// maxInflight is the maximum number of unacked sends we keep a
// timestamp for. Beyond this we evict an arbitrary entry.
const maxInflight = 128

const (
	// maxExpectedDefault is the [Tracker.MaxExpected] value before
	// the first ack has been observed.
	maxExpectedDefault = 5 * time.Second

	// maxExpectedFloor is the lower clamp for [Tracker.MaxExpected].
	maxExpectedFloor = 200 * time.Millisecond

	// maxExpectedCeiling is the upper clamp for [Tracker.MaxExpected].
	maxExpectedCeiling = 1000 * time.Millisecond
)

// Statistics are the aggregate round trip statistics gathered by a
// [Tracker] since its creation.
type Statistics struct {
	// Count is the number of samples.
	Count int64

	// MinRtt is the minimum observed round trip time.
	MinRtt time.Duration

	// MaxRtt is the maximum observed round trip time.
	MaxRtt time.Duration

	// AvgRtt is the mean of all samples.
	AvgRtt time.Duration

	// StdDevRtt is the standard deviation of all samples.
	StdDevRtt time.Duration
}

// Tracker tracks the round trip time of a link. Sent sequences are
// stamped with [Tracker.OnSent] and matched with [Tracker.OnAcked];
// the resulting samples feed a smoothed moving average plus aggregate
// statistics for reporting.
//
// The zero value is invalid; use [NewTracker]. This struct is
// concurrency safe.
type Tracker struct {
	average  time.Duration
	inflight map[model.Sequence]time.Time
	mu       sync.Mutex
	timeNow  func() time.Time

	// aggregate statistics
	avgRtt   time.Duration
	count    int64
	maxRtt   time.Duration
	minRtt   time.Duration
	stddevm2 time.Duration
}

// NewTracker returns a [Tracker] ready to be used.
func NewTracker() *Tracker {
	return &Tracker{
		average:  0,
		inflight: make(map[model.Sequence]time.Time),
		mu:       sync.Mutex{},
		timeNow:  time.Now,
	}
}

// OnSent records the send time of the given sequence. When too many
// sends are already awaiting their ack, an arbitrary one is dropped
// and its eventual ack will not produce a sample.
func (t *Tracker) OnSent(seq model.Sequence) {
	defer t.mu.Unlock()
	t.mu.Lock()
	if len(t.inflight) >= maxInflight {
		for stale := range t.inflight {
			delete(t.inflight, stale)
			break
		}
	}
	t.inflight[seq] = t.timeNow()
}

// OnAcked matches an acked sequence with its send time and folds the
// sample into the running averages. It returns the sample and true, or
// zero and false when the sequence is unknown, which happens for
// duplicated acks and for entries dropped by the in-flight cap.
func (t *Tracker) OnAcked(seq model.Sequence) (time.Duration, bool) {
	defer t.mu.Unlock()
	t.mu.Lock()
	sent, found := t.inflight[seq]
	if !found {
		return 0, false
	}
	delete(t.inflight, seq)
	sample := t.timeNow().Sub(sent)

	// smoothed average with a 0.1 gain, seeded by the first sample
	if t.count == 0 {
		t.average = sample
	} else {
		t.average += (sample - t.average) / 10
	}

	t.count++
	if t.count == 1 || sample < t.minRtt {
		t.minRtt = sample
	}
	if sample > t.maxRtt {
		t.maxRtt = sample
	}

	// welford's online method for stddev
	// https://en.wikipedia.org/wiki/Algorithms_for_calculating_variance#Welford's_online_algorithm
	delta := sample - t.avgRtt
	t.avgRtt += delta / time.Duration(t.count)
	delta2 := sample - t.avgRtt
	t.stddevm2 += delta * delta2

	return sample, true
}

// Average returns the smoothed round trip time, or zero before the
// first ack.
func (t *Tracker) Average() time.Duration {
	defer t.mu.Unlock()
	t.mu.Lock()
	return t.average
}

// MaxExpected returns how long an ack may reasonably take: twice the
// smoothed round trip time rounded up to a whole millisecond and
// clamped to [200ms, 1000ms]. Before the first ack it returns a large
// fallback so that nothing is declared lost while the link warms up.
func (t *Tracker) MaxExpected() time.Duration {
	defer t.mu.Unlock()
	t.mu.Lock()
	if t.count == 0 {
		return maxExpectedDefault
	}
	expected := 2 * t.average
	expected = (expected + time.Millisecond - 1) / time.Millisecond * time.Millisecond
	if expected < maxExpectedFloor {
		return maxExpectedFloor
	}
	if expected > maxExpectedCeiling {
		return maxExpectedCeiling
	}
	return expected
}

// InFlight returns the number of sends still awaiting their ack.
func (t *Tracker) InFlight() int {
	defer t.mu.Unlock()
	t.mu.Lock()
	return len(t.inflight)
}

// Stats returns the aggregate statistics collected so far.
func (t *Tracker) Stats() Statistics {
	defer t.mu.Unlock()
	t.mu.Lock()
	stats := Statistics{
		Count:  t.count,
		MinRtt: t.minRtt,
		MaxRtt: t.maxRtt,
		AvgRtt: t.avgRtt,
	}
	if t.count > 0 {
		stats.StdDevRtt = time.Duration(math.Sqrt(float64(t.stddevm2 / time.Duration(t.count))))
	}
	return stats
}
