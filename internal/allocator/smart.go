package allocator

import (
	"fmt"
	"time"

	"github.com/foxzi/carecast/internal/campaign"
)

// smart paces tasks continuously at 1h/actionsPerHour with symmetric jitter
type smart struct {
	opts Options
	src  *source
}

func (s *smart) Allocate(req Request) (*Plan, error) {
	rate, err := validate(&req)
	if err != nil {
		return nil, err
	}

	loc := s.opts.Location
	jitter := s.opts.Jitter
	base := time.Hour / time.Duration(rate)
	minStep := time.Duration(float64(base) * (1 - jitter))

	state := req.State
	if state.PerHour <= 0 {
		state.PerHour = rate
	}
	admit := req.ActionType != campaign.ActionSendMessage

	cur := req.Start
	var prev time.Time
	assignments := make([]Assignment, 0, len(req.Recipients))

	for _, person := range req.Recipients {
		forwarded := false
		if admit {
			for {
				state.Refresh(cur, loc)
				if state.DayExhausted() {
					cur = state.NextDay(loc)
					forwarded = true
					continue
				}
				if state.HourExhausted() {
					cur = state.NextHour()
					forwarded = true
					continue
				}
				break
			}
		}

		delta := time.Duration((s.src.float64()*2 - 1) * jitter * float64(base))
		if forwarded && delta < 0 {
			// Stay inside the window just opened
			delta = -delta
		}

		at := cur.Add(delta)
		if at.Before(req.Start) {
			at = req.Start
		}
		if at.Sub(req.Start) > maxHorizon {
			return nil, fmt.Errorf("no window found for %s: %w", person.ID, campaign.ErrCapacityExhausted)
		}
		if !prev.IsZero() {
			if floor := prev.Add(minStep); at.Before(floor) {
				at = floor
			}
		}

		assignments = append(assignments, Assignment{Person: person, ScheduledFor: at})
		prev = at

		if admit {
			state.Charge(1)
		}
		cur = cur.Add(base)
	}

	return newPlan(assignments, state), nil
}
