package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Standard 5-field cron plus descriptors such as "@weekly". Scrubs are never
// scheduled with second precision.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// poolSchedule is one pool's parsed scrub schedule.
type poolSchedule struct {
	pool     string
	expr     string
	schedule cron.Schedule
}

func (p poolSchedule) next(after time.Time) time.Time {
	return p.schedule.Next(after)
}

// ValidateSchedule reports whether expr is a usable scrub schedule.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// parseSchedules parses a pool → expression map into schedules ordered by
// pool name. The first invalid expression fails the whole set.
func parseSchedules(exprs map[string]string) ([]poolSchedule, error) {
	out := make([]poolSchedule, 0, len(exprs))
	for pool, expr := range exprs {
		s, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("scrub schedule for %s: %w", pool, err)
		}
		out = append(out, poolSchedule{pool: pool, expr: expr, schedule: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pool < out[j].pool })
	return out, nil
}
