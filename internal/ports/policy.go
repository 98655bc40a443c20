package ports

import "time"

type Policy struct {
	// Threads overrides the computed worker pool size when > 0.
	Threads           int           `yaml:"threads" validate:"gte=0"`
	ConcurrencyFactor int           `yaml:"concurrency_factor" validate:"gte=0"`
	ReservedPercent   int           `yaml:"reserved_percent" validate:"gte=0,lt=100"`
	TokenRefreshSkew  time.Duration `yaml:"token_refresh_skew"`
}
