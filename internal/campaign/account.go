package campaign

import (
	"time"

	"github.com/foxzi/carecast/internal/ratelimit"
)

// Account is the external messaging account that executes tasks
type Account struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Rate holds the live counters charged by executed actions
	Rate ratelimit.State `json:"rate"`

	// Projection holds the counters projected by the last scheduling run
	Projection ratelimit.State `json:"projection"`

	IsLocked  bool              `json:"is_locked"`
	Settings  map[string]string `json:"settings,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// SchedulingSeed returns the counters the allocator starts from.
// A projection that is still open at now wins over the live counters.
func (a *Account) SchedulingSeed(now time.Time) ratelimit.State {
	seed := a.Rate
	p := a.Projection
	if !p.HourStart.IsZero() && p.HourStart.Add(time.Hour).After(now) {
		seed.HourlyUsed = p.HourlyUsed
		seed.DailyUsed = p.DailyUsed
		seed.HourStart = p.HourStart
		seed.DayStart = p.DayStart
	}
	seed.PerHour = a.Rate.PerHour
	seed.PerDay = a.Rate.PerDay
	return seed
}

// Recipient holds back-references from a customer record to live jobs
type Recipient struct {
	ID   string   `json:"id"`
	Jobs []string `json:"jobs"`
}
