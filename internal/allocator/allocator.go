// Package allocator spreads per-recipient tasks over future time slots so
// that an account's hourly and daily limits and a minimum gap between
// actions are respected.
package allocator

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/foxzi/carecast/internal/campaign"
	"github.com/foxzi/carecast/internal/ratelimit"
)

// Strategy selects the boundary policy of the allocator
type Strategy string

const (
	// StrategyHourly partitions the timeline into fixed clock-hour windows
	StrategyHourly Strategy = "hourly"

	// StrategySmart paces tasks continuously with jitter
	StrategySmart Strategy = "smart"
)

// maxHorizon bounds how far past the start a plan may reach; recipients
// that do not fit before it exhaust capacity
const maxHorizon = 400 * 24 * time.Hour

// Options contains allocator settings
type Options struct {
	// MinGap is the minimum distance between two actions within a window
	MinGap time.Duration

	// Jitter is the randomized fraction of the pacing interval (0..1)
	Jitter float64

	// Spread draws hourly slots over the whole remaining window instead of
	// packing them at its front
	Spread bool

	// Location defines clock hours and local midnight
	Location *time.Location

	// Rand is the random source; nil uses the global generator
	Rand *rand.Rand
}

// Request describes one allocation run
type Request struct {
	Recipients     []campaign.Person
	Start          time.Time
	ActionType     campaign.ActionType
	ActionsPerHour int
	State          ratelimit.State
}

// Assignment pairs a recipient with its scheduled time
type Assignment struct {
	Person       campaign.Person
	ScheduledFor time.Time
}

// Plan is the result of an allocation run
type Plan struct {
	Assignments         []Assignment
	EstimatedStart      time.Time
	EstimatedCompletion time.Time

	// State holds the counters after all assignments would have fired
	State ratelimit.State
}

// Allocator computes a schedule for a batch of recipients
type Allocator interface {
	Allocate(req Request) (*Plan, error)
}

// DefaultOptions returns default allocator options
func DefaultOptions() Options {
	return Options{
		MinGap:   20 * time.Second,
		Jitter:   0.15,
		Location: time.Local,
	}
}

// New creates an allocator for the given strategy
func New(strategy Strategy, opts Options) (Allocator, error) {
	if opts.MinGap <= 0 {
		opts.MinGap = 20 * time.Second
	}
	if opts.MinGap < time.Second || opts.MinGap >= time.Hour {
		return nil, fmt.Errorf("min gap must be between 1s and 1h, got %v", opts.MinGap)
	}
	if opts.Jitter < 0 || opts.Jitter >= 1 {
		return nil, fmt.Errorf("jitter must be in [0, 1), got %v", opts.Jitter)
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	src := &source{rnd: opts.Rand}

	switch strategy {
	case StrategyHourly, "":
		return &hourly{opts: opts, src: src}, nil
	case StrategySmart:
		return &smart{opts: opts, src: src}, nil
	default:
		return nil, fmt.Errorf("unknown allocator strategy %q", strategy)
	}
}

func validate(req *Request) (int, error) {
	if len(req.Recipients) == 0 {
		return 0, fmt.Errorf("no recipients: %w", campaign.ErrInvalidInput)
	}
	rate := req.ActionsPerHour
	if rate <= 0 {
		rate = req.State.PerHour
	}
	if rate <= 0 {
		return 0, fmt.Errorf("actions per hour must be positive: %w", campaign.ErrInvalidInput)
	}
	return rate, nil
}

func newPlan(assignments []Assignment, state ratelimit.State) *Plan {
	return &Plan{
		Assignments:         assignments,
		EstimatedStart:      assignments[0].ScheduledFor,
		EstimatedCompletion: assignments[len(assignments)-1].ScheduledFor,
		State:               state,
	}
}

// source guards a *rand.Rand, which is not safe for concurrent use
type source struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (s *source) int64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if s.rnd == nil {
		return rand.Int64N(n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Int64N(n)
}

func (s *source) float64() float64 {
	if s.rnd == nil {
		return rand.Float64()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

// between returns a uniform instant in [lo, hi]
func (s *source) between(lo, hi time.Time) time.Time {
	span := hi.Sub(lo)
	if span <= 0 {
		return lo
	}
	return lo.Add(time.Duration(s.int64n(int64(span) + 1)))
}
