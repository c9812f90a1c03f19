package taskqueue

import (
	"golang.org/x/time/rate"

	"github.com/eugenenazirov/dashconf/internal/config"
)

// newTaskLimiter returns nil when the annotation sets no rate limit. The
// bucket holds a single token so executions are evenly spaced.
func newTaskLimiter(a config.TaskAnnotation) (*rate.Limiter, error) {
	perSecond, err := a.RatePerSecond()
	if err != nil {
		return nil, err
	}
	if perSecond == 0 {
		return nil, nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1), nil
}
