package task

import (
	"math"
	"time"

	"github.com/phrazzld/casework/internal/config"
)

// Backoff returns the delay after the given 1-based attempt failed:
// min(base * multiplier^attempt, max_delay). The first retry waits
// base * multiplier.
func Backoff(cfg config.RetryConfig, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(cfg.Base) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && (d > float64(cfg.MaxDelay) || math.IsInf(d, 0)) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}
