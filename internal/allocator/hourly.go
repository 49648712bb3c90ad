package allocator

import (
	"fmt"
	"time"

	"github.com/foxzi/carecast/internal/campaign"
)

// hourly assigns tasks inside fixed clock-hour windows [H:00, H+1:00)
type hourly struct {
	opts Options
	src  *source
}

func (h *hourly) Allocate(req Request) (*Plan, error) {
	rate, err := validate(&req)
	if err != nil {
		return nil, err
	}

	loc := h.opts.Location
	gap := h.opts.MinGap
	state := req.State
	cursor := req.Start
	remaining := len(req.Recipients)
	assignments := make([]Assignment, 0, remaining)

	for window := 0; remaining > 0; window++ {
		if cursor.Sub(req.Start) > maxHorizon {
			return nil, fmt.Errorf("no window found for %d recipients: %w", remaining, campaign.ErrCapacityExhausted)
		}

		windowStart := truncateHour(cursor, loc)
		windowEnd := windowStart.Add(time.Hour)

		state.Refresh(cursor, loc)
		if window > 0 {
			// Later windows are fresh clock hours
			state.HourlyUsed = 0
			state.HourStart = windowStart
		}

		if state.DayExhausted() {
			cursor = state.NextDay(loc)
			continue
		}

		capacity := windowCapacity(rate, gap, windowEnd.Sub(cursor), remaining)
		if budget := rate - state.HourlyUsed; budget < capacity {
			capacity = budget
		}
		if state.PerDay > 0 {
			if budget := state.PerDay - state.DailyUsed; budget < capacity {
				capacity = budget
			}
		}
		if capacity <= 0 {
			cursor = windowEnd
			continue
		}

		batch, err := h.draw(cursor, windowEnd, capacity)
		if err != nil {
			return nil, err
		}

		offset := len(assignments)
		for i, at := range batch {
			assignments = append(assignments, Assignment{
				Person:       req.Recipients[offset+i],
				ScheduledFor: at,
			})
		}

		state.Charge(capacity)
		remaining -= capacity
		cursor = windowEnd
	}

	return newPlan(assignments, state), nil
}

// draw picks n increasing instants in [from, end) at least gap apart
func (h *hourly) draw(from, end time.Time, n int) ([]time.Time, error) {
	gap := h.opts.MinGap
	last := end.Add(-time.Millisecond)
	times := make([]time.Time, 0, n)

	earliest := from
	for i := 0; i < n; i++ {
		latest := last.Add(-time.Duration(n-i-1) * gap)
		if !h.opts.Spread {
			if bound := earliest.Add(time.Duration(h.opts.Jitter * float64(gap))); bound.Before(latest) {
				latest = bound
			}
		}
		if earliest.After(latest) {
			return nil, fmt.Errorf("insufficient slack in window ending %s: %w", end.Format(time.RFC3339), campaign.ErrCapacityExhausted)
		}

		at := h.src.between(earliest, latest)
		times = append(times, at)
		earliest = at.Add(gap)
	}

	return times, nil
}

// windowCapacity returns min(rate * fraction of hour left, slots by gap, remaining)
func windowCapacity(rate int, gap, avail time.Duration, remaining int) int {
	if avail <= 0 {
		return 0
	}
	capacity := int(float64(rate) * float64(avail) / float64(time.Hour))
	if byGap := int(avail / gap); byGap < capacity {
		capacity = byGap
	}
	if remaining < capacity {
		capacity = remaining
	}
	return capacity
}

func truncateHour(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, loc)
}
