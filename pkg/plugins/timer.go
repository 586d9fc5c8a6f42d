package plugins

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openfroyo/loom/pkg/engine"
)

const timerSteps = 10

// Timer waits for a duration, reporting progress in tenths, and records the
// elapsed seconds in the state.
type Timer struct {
	clock func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewTimer creates a timer plugin. Nil functions fall back to the wall clock.
func NewTimer(clock func() time.Time, after func(time.Duration) <-chan time.Time) *Timer {
	if clock == nil {
		clock = time.Now
	}
	if after == nil {
		after = time.After
	}
	return &Timer{clock: clock, after: after}
}

func (t *Timer) Symbol() string { return "timer" }

func (t *Timer) Description() string {
	return "Waits for the timer attribute, given in seconds or as a duration string"
}

func (t *Timer) Caveats() string {
	return "Progress is reported in tenths of the duration"
}

func (t *Timer) Call(ctx context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
	v, ok := argument(tc, "timer", "duration")
	if !ok {
		return nil, fmt.Errorf("timer: no timer or duration attribute")
	}
	d, err := ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("timer: %w", err)
	}

	start := t.clock()
	step := d / timerSteps
	for i := 1; i <= timerSteps && d > 0; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.after(step):
		}
		_ = tc.SendStatus(float64(i)/timerSteps, fmt.Sprintf("%s of %s", time.Duration(i)*step, d))
	}

	out := tc.Clone()
	out.State().Set("elapsed", t.clock().Sub(start).Seconds())
	return out, nil
}

// ParseDuration accepts a number of seconds or a duration string such as "2s" or
// "100 ms".
func ParseDuration(v interface{}) (time.Duration, error) {
	var d time.Duration
	switch n := v.(type) {
	case int64:
		d = time.Duration(n) * time.Second
	case int:
		d = time.Duration(n) * time.Second
	case float64:
		d = time.Duration(n * float64(time.Second))
	case string:
		s := strings.ReplaceAll(strings.TrimSpace(n), " ", "")
		parsed, err := time.ParseDuration(s)
		if err != nil {
			secs, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil {
				return 0, fmt.Errorf("invalid duration %q", n)
			}
			parsed = time.Duration(secs * float64(time.Second))
		}
		d = parsed
	default:
		return 0, fmt.Errorf("invalid duration type %T", v)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}
	return d, nil
}
