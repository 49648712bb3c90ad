// Package ratelimit tracks the hourly and daily action budget of an
// external messaging account.
package ratelimit

import (
	"time"
)

// State contains the rate limit caps and counters of one account
type State struct {
	PerHour    int       `json:"rate_limit_per_hour"`
	PerDay     int       `json:"rate_limit_per_day"`
	HourlyUsed int       `json:"actions_used_this_hour"`
	DailyUsed  int       `json:"actions_used_this_day"`
	HourStart  time.Time `json:"rate_limit_hour_start"`
	DayStart   time.Time `json:"rate_limit_day_start"`
}

// Result contains the admission check result
type Result struct {
	Allowed    bool
	DeniedBy   string // "hour" or "day"
	RetryAfter time.Duration
}

// Refresh resets expired windows.
// The hour window restarts at now once now crosses HourStart+1h; both
// windows restart at local day rollover.
func (s *State) Refresh(now time.Time, loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}

	if s.HourStart.IsZero() {
		s.HourStart = now
	}
	if s.DayStart.IsZero() {
		s.DayStart = StartOfDay(now, loc)
	}

	today := StartOfDay(now, loc)
	if today.After(StartOfDay(s.DayStart, loc)) {
		s.DailyUsed = 0
		s.HourlyUsed = 0
		s.DayStart = today
		s.HourStart = now
		return
	}

	if !now.Before(s.HourStart.Add(time.Hour)) {
		s.HourlyUsed = 0
		s.HourStart = now
	}
}

// HourExhausted reports whether the hourly cap is reached
func (s *State) HourExhausted() bool {
	return s.PerHour > 0 && s.HourlyUsed >= s.PerHour
}

// DayExhausted reports whether the daily cap is reached
func (s *State) DayExhausted() bool {
	return s.PerDay > 0 && s.DailyUsed >= s.PerDay
}

// Check reports whether one more action would be admitted at now without
// charging it.
func (s *State) Check(now time.Time, loc *time.Location) Result {
	s.Refresh(now, loc)

	if s.DayExhausted() {
		return Result{DeniedBy: "day", RetryAfter: s.NextDay(loc).Sub(now)}
	}
	if s.HourExhausted() {
		return Result{DeniedBy: "hour", RetryAfter: s.NextHour().Sub(now)}
	}
	return Result{Allowed: true}
}

// Allow checks the budget and charges one action if admitted
func (s *State) Allow(now time.Time, loc *time.Location) Result {
	result := s.Check(now, loc)
	if result.Allowed {
		s.Charge(1)
	}
	return result
}

// Charge adds n actions to both counters
func (s *State) Charge(n int) {
	if n <= 0 {
		return
	}
	s.HourlyUsed += n
	s.DailyUsed += n
}

// Refund takes back one action charged at chargedAt. Windows that
// restarted after the charge are left untouched.
func (s *State) Refund(chargedAt time.Time) {
	if s.HourlyUsed > 0 && !s.HourStart.After(chargedAt) {
		s.HourlyUsed--
	}
	if s.DailyUsed > 0 && !s.DayStart.After(chargedAt) {
		s.DailyUsed--
	}
}

// Remaining returns the actions left in the current hour window, bounded by
// the daily budget. Zero caps count as unlimited and return -1.
func (s *State) Remaining() int {
	remaining := -1
	if s.PerHour > 0 {
		remaining = max(s.PerHour-s.HourlyUsed, 0)
	}
	if s.PerDay > 0 {
		day := max(s.PerDay-s.DailyUsed, 0)
		if remaining < 0 || day < remaining {
			remaining = day
		}
	}
	return remaining
}

// NextHour returns the start of the next hour window
func (s *State) NextHour() time.Time {
	return s.HourStart.Add(time.Hour)
}

// NextDay returns the local midnight after DayStart
func (s *State) NextDay(loc *time.Location) time.Time {
	return StartOfDay(s.DayStart, loc).AddDate(0, 0, 1)
}

// StartOfDay returns local midnight of the day containing t
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
