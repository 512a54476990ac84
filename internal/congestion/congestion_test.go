package congestion

import (
	"strings"
	"testing"
	"time"

	"github.com/minilink-dev/minilink/internal/model"
)

// testClock is a manually advanced clock for the manager.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) timeNow() time.Time {
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestManager(logger model.Logger, clock *testClock, disabled bool) *Manager {
	manager := NewManager(logger, disabled)
	manager.timeNow = clock.timeNow
	manager.lastInbound = clock.now
	return manager
}

func Test_Manager_startsHigh(t *testing.T) {
	manager := newTestManager(model.NewTestLogger(), newTestClock(), false)
	if got := manager.Tier(); got != RateHigh {
		t.Fatalf("Tier() = %v, want %v", got, RateHigh)
	}
	if got := manager.Interval(); got != 50*time.Millisecond {
		t.Fatalf("Interval() = %v, want 50ms", got)
	}
}

func Test_Manager_demotesOneStepAfterShortSilence(t *testing.T) {
	clock := newTestClock()
	manager := newTestManager(model.NewTestLogger(), clock, false)

	clock.advance(1500 * time.Millisecond)
	if got := manager.Tier(); got != RateReduced {
		t.Fatalf("Tier() = %v, want %v", got, RateReduced)
	}

	// the same silence stretch does not demote twice
	clock.advance(time.Second)
	if got := manager.Tier(); got != RateReduced {
		t.Fatalf("Tier() = %v, want %v", got, RateReduced)
	}
}

func Test_Manager_collapsesToLowAfterLongSilence(t *testing.T) {
	clock := newTestClock()
	manager := newTestManager(model.NewTestLogger(), clock, false)

	clock.advance(3500 * time.Millisecond)
	if got := manager.Tier(); got != RateLow {
		t.Fatalf("Tier() = %v, want %v", got, RateLow)
	}
	if got := manager.Interval(); got != 500*time.Millisecond {
		t.Fatalf("Interval() = %v, want 500ms", got)
	}
}

func Test_Manager_freshInboundAllowsAnotherDemotion(t *testing.T) {
	clock := newTestClock()
	manager := newTestManager(model.NewTestLogger(), clock, false)

	clock.advance(1500 * time.Millisecond)
	if got := manager.Tier(); got != RateReduced {
		t.Fatalf("Tier() = %v, want %v", got, RateReduced)
	}

	manager.OnInbound()
	clock.advance(1500 * time.Millisecond)
	if got := manager.Tier(); got != RateLow {
		t.Fatalf("Tier() = %v, want %v", got, RateLow)
	}
}

func Test_Manager_promotesOneStepPerStreak(t *testing.T) {
	clock := newTestClock()
	manager := newTestManager(model.NewTestLogger(), clock, false)

	// silence collapses the tier first
	clock.advance(4 * time.Second)
	if got := manager.Tier(); got != RateLow {
		t.Fatalf("Tier() = %v, want %v", got, RateLow)
	}

	// steady inbound traffic, evaluated every half second
	promotions := []Tier{}
	manager.OnInbound()
	for i := 0; i < 10; i++ {
		clock.advance(500 * time.Millisecond)
		manager.OnInbound()
		promotions = append(promotions, manager.Tier())
	}

	if promotions[0] != RateLow {
		t.Fatalf("first evaluation = %v, want %v", promotions[0], RateLow)
	}
	if got := promotions[len(promotions)-1]; got != RateHigh {
		t.Fatalf("final tier = %v, want %v", got, RateHigh)
	}
	// the tier never jumps by more than one step between evaluations
	last := RateLow
	for i, tier := range promotions {
		if last-tier > 1 || tier > last {
			t.Fatalf("evaluation %d jumped from %v to %v", i, last, tier)
		}
		last = tier
	}
}

func Test_Manager_disabledStaysHigh(t *testing.T) {
	clock := newTestClock()
	logger := model.NewTestLogger()
	manager := newTestManager(logger, clock, true)

	clock.advance(10 * time.Second)
	if got := manager.Tier(); got != RateHigh {
		t.Fatalf("Tier() = %v, want %v", got, RateHigh)
	}
	if got := manager.Interval(); got != 50*time.Millisecond {
		t.Fatalf("Interval() = %v, want 50ms", got)
	}
	if len(logger.Lines) != 0 {
		t.Fatalf("expected no transitions logged, got %v", logger.Lines)
	}
}

func Test_Manager_logsEachTransitionOnce(t *testing.T) {
	clock := newTestClock()
	logger := model.NewTestLogger()
	manager := newTestManager(logger, clock, false)

	clock.advance(1500 * time.Millisecond)
	manager.Tier()
	manager.Tier()
	clock.advance(2 * time.Second)
	manager.Tier()
	manager.Tier()

	transitions := 0
	for _, line := range logger.Lines {
		if strings.Contains(line, "congestion:") {
			transitions++
		}
	}
	if transitions != 2 {
		t.Fatalf("transitions logged = %d, want 2: %v", transitions, logger.Lines)
	}
}
