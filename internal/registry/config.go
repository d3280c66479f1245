package registry

import (
	"time"

	"github.com/rs/zerolog"

	"relayd/internal/backend"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultAcquireTimeout = 30 * time.Minute
	minJanitorInterval    = time.Second
)

// Config encapsulates all tunables for Registry construction.
type Config struct {
	Backend backend.Backend
	// AcquireTimeout bounds one handle creation, pull included.
	AcquireTimeout time.Duration
	// MaxHandles caps live handles; zero means unlimited.
	MaxHandles int
	// IdleTTL evicts handles unused for this long; zero disables expiry.
	IdleTTL time.Duration
	// AutoPull pulls models the backend does not have locally.
	AutoPull  bool
	Publisher EventPublisher
	Logger    zerolog.Logger
	// Now is overridable for tests.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = defaultAcquireTimeout
	}
	if c.MaxHandles < 0 {
		c.MaxHandles = 0
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
