package plugins

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openfroyo/loom/pkg/engine"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Cron waits until the next time matching a cron expression. The state receives
// fired_at and the following occurrence as next, both RFC 3339.
type Cron struct {
	clock func() time.Time
	after func(time.Duration) <-chan time.Time
}

// NewCron creates a cron plugin.
func NewCron(clock func() time.Time, after func(time.Duration) <-chan time.Time) *Cron {
	if clock == nil {
		clock = time.Now
	}
	if after == nil {
		after = time.After
	}
	return &Cron{clock: clock, after: after}
}

func (c *Cron) Symbol() string { return "cron" }

func (c *Cron) Description() string {
	return "Waits for the next occurrence of the cron attribute"
}

func (c *Cron) Caveats() string {
	return "Accepts five or six fields (seconds optional) and @every/@daily descriptors"
}

func (c *Cron) Call(ctx context.Context, tc *engine.ThunkContext) (*engine.ThunkContext, error) {
	expr, ok := stringArgument(tc, "cron")
	if !ok {
		return nil, fmt.Errorf("cron: no cron attribute")
	}
	schedule, err := ValidateCronExpr(expr)
	if err != nil {
		return nil, err
	}

	now := c.clock()
	due := schedule.Next(now)
	_ = tc.SendStatus(0, "next run at "+due.Format(time.RFC3339))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.after(due.Sub(now)):
	}

	out := tc.Clone()
	out.State().
		Set("fired_at", due.UTC().Format(time.RFC3339)).
		Set("next", schedule.Next(due).UTC().Format(time.RFC3339))
	return out, nil
}

// ValidateCronExpr parses a cron expression.
func ValidateCronExpr(expr string) (cron.Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return schedule, nil
}
