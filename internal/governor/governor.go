// Package governor enforces per-caller plan limits on job admission.
package governor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go-batch-download/internal/models"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

var (
	ErrConcurrencyLimitReached = errors.New("concurrency limit reached")
	ErrDailyQuotaExceeded      = errors.New("daily quota exceeded")
)

// Usage is a caller's consumption against its plan.
type Usage struct {
	Tier         string            `json:"tier"`
	Limits       models.PlanLimits `json:"limits"`
	Active       int               `json:"active"`
	StartedToday int               `json:"started_today"`
	ResetAt      time.Time         `json:"reset_at"`
}

// Remaining returns the jobs the caller may still start today, or -1 when
// the plan has no daily limit.
func (u Usage) Remaining() int {
	if u.Limits.DailyJobs <= 0 {
		return -1
	}
	if r := u.Limits.DailyJobs - u.StartedToday; r > 0 {
		return r
	}
	return 0
}

type callerState struct {
	active  int
	started map[string]struct{} // job IDs started in the current day
}

// Governor tracks active and daily job counts per caller. Safe for
// concurrent use; no method blocks.
type Governor struct {
	mu          sync.Mutex
	clock       clock.Clock
	tiers       map[string]models.PlanLimits
	callerTier  map[string]string
	defaultTier string
	day         time.Time
	callers     map[string]*callerState
	wake        chan struct{}
}

// New builds a governor from the configured tiers and callers.
func New(cfg *models.Config, clk clock.Clock) *Governor {
	if clk == nil {
		clk = clock.New()
	}
	g := &Governor{
		clock:       clk,
		tiers:       cfg.Tiers,
		callerTier:  make(map[string]string, len(cfg.Callers)),
		defaultTier: cfg.DefaultTier,
		callers:     make(map[string]*callerState),
		wake:        make(chan struct{}),
	}
	for _, c := range cfg.Callers {
		g.callerTier[c.ID] = c.Tier
	}
	g.day = startOfDay(clk.Now())
	return g
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// rollover clears daily counters when the UTC day has changed. mu must be held.
func (g *Governor) rollover() {
	today := startOfDay(g.clock.Now())
	if today.Equal(g.day) {
		return
	}
	log.Debugf("Governor: new quota day %s, resetting daily counters", today.Format("2006-01-02"))
	g.day = today
	for _, st := range g.callers {
		st.started = make(map[string]struct{})
	}
}

func (g *Governor) state(callerID string) *callerState {
	st, ok := g.callers[callerID]
	if !ok {
		st = &callerState{started: make(map[string]struct{})}
		g.callers[callerID] = st
	}
	return st
}

func (g *Governor) tierOf(callerID string) string {
	if t, ok := g.callerTier[callerID]; ok {
		return t
	}
	return g.defaultTier
}

// Limits returns the plan limits that apply to a caller.
func (g *Governor) Limits(callerID string) models.PlanLimits {
	return g.tiers[g.tierOf(callerID)]
}

// Admit reserves an execution slot for jobID on behalf of callerID. A job
// counts against the daily quota the first time it is admitted on a given
// day; re-admissions after a retry or resume do not count again.
func (g *Governor) Admit(callerID, jobID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover()

	limits := g.Limits(callerID)
	st := g.state(callerID)

	if limits.MaxConcurrent > 0 && st.active >= limits.MaxConcurrent {
		return fmt.Errorf("%w: caller %s has %d of %d", ErrConcurrencyLimitReached, callerID, st.active, limits.MaxConcurrent)
	}
	_, seen := st.started[jobID]
	if !seen && limits.DailyJobs > 0 && len(st.started) >= limits.DailyJobs {
		return fmt.Errorf("%w: caller %s started %d of %d today", ErrDailyQuotaExceeded, callerID, len(st.started), limits.DailyJobs)
	}

	st.active++
	st.started[jobID] = struct{}{}
	return nil
}

// Release frees a slot reserved by Admit and wakes anyone waiting on Wait.
func (g *Governor) Release(callerID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(callerID)
	if st.active == 0 {
		panic(fmt.Sprintf("governor: release without admit for caller %s", callerID))
	}
	st.active--
	close(g.wake)
	g.wake = make(chan struct{})
}

// Wait returns a channel closed on the next Release.
func (g *Governor) Wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wake
}

// Usage reports a caller's current consumption.
func (g *Governor) Usage(callerID string) Usage {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollover()
	st := g.state(callerID)
	tier := g.tierOf(callerID)
	return Usage{
		Tier:         tier,
		Limits:       g.tiers[tier],
		Active:       st.active,
		StartedToday: len(st.started),
		ResetAt:      g.day.AddDate(0, 0, 1),
	}
}
