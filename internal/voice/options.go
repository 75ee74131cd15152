package voice

import (
	"fmt"
	"time"
)

// DefaultSilenceTimeout is the pause after the last audio frame that ends a
// user turn when no other value is configured.
const DefaultSilenceTimeout = 700 * time.Millisecond

// Options tunes turn detection. They are fixed once a [Session] is built.
type Options struct {
	// SilenceTimeout is how long the audio source must stay quiet after the
	// last frame before the turn is finalised. Must be positive.
	SilenceTimeout time.Duration
}

// DefaultOptions returns Options with [DefaultSilenceTimeout].
func DefaultOptions() Options {
	return Options{SilenceTimeout: DefaultSilenceTimeout}
}

// OptionsFromSeconds builds Options from a silence timeout in (fractional)
// seconds. Zero selects [DefaultSilenceTimeout].
func OptionsFromSeconds(seconds float64) Options {
	if seconds == 0 {
		return DefaultOptions()
	}
	return Options{SilenceTimeout: time.Duration(seconds * float64(time.Second))}
}

// Validate reports whether the options can drive a session.
func (o Options) Validate() error {
	if o.SilenceTimeout <= 0 {
		return fmt.Errorf("voice: silence timeout must be positive, got %v", o.SilenceTimeout)
	}
	return nil
}
