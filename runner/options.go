package runner

import (
	"time"

	"go.uber.org/zap"
)

// Default runner configuration values.
const (
	defaultTimeout           = 300 * time.Second
	defaultGracePeriod       = 5 * time.Second
	defaultPermissionTimeout = 30 * time.Second
	defaultEventBuffer       = 100
	defaultScannerBuffer     = 1 << 20 // 1 MB
)

// Options holds resolved construction-time configuration for a Runner.
type Options struct {
	// Timeout is the wall-clock deadline for one turn, measured from
	// subprocess spawn.
	Timeout time.Duration

	// GracePeriod is the duration to wait after SIGTERM before SIGKILL.
	GracePeriod time.Duration

	// PermissionTimeout bounds the wait for a permission decision;
	// expiry auto-denies.
	PermissionTimeout time.Duration

	// EventBuffer is the channel buffer size for process events.
	EventBuffer int

	// ScannerBuffer is the maximum line size in bytes for the stdout scanner.
	ScannerBuffer int

	// Logger receives skipped-line and lifecycle diagnostics.
	Logger *zap.Logger
}

// Option configures a Runner at construction time.
type Option func(*Options)

// WithTimeout sets the per-turn wall-clock deadline. Values <= 0 are ignored.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Timeout = d
		}
	}
}

// WithGracePeriod sets the SIGTERM→SIGKILL grace period. Values <= 0 are ignored.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.GracePeriod = d
		}
	}
}

// WithPermissionTimeout sets the permission decision wait. Values <= 0 are ignored.
func WithPermissionTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.PermissionTimeout = d
		}
	}
}

// WithEventBuffer sets the event channel buffer size. Values <= 0 are ignored.
func WithEventBuffer(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.EventBuffer = size
		}
	}
}

// WithScannerBuffer sets the maximum stdout line size. Values <= 0 are ignored.
func WithScannerBuffer(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.ScannerBuffer = size
		}
	}
}

// WithLogger sets the runner logger. Nil values are ignored.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

func resolveOptions(opts ...Option) Options {
	o := Options{
		Timeout:           defaultTimeout,
		GracePeriod:       defaultGracePeriod,
		PermissionTimeout: defaultPermissionTimeout,
		EventBuffer:       defaultEventBuffer,
		ScannerBuffer:     defaultScannerBuffer,
		Logger:            zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
