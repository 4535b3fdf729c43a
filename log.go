package candispatch

import (
	"github.com/rs/zerolog"

	"github.com/jonoton/go-candispatch/internal/log"
)

// SetDebug enables or disables debug logging for dispatchers and interfaces
// that use the package logger.
func SetDebug(enable bool) {
	if enable {
		log.SetLevel(zerolog.LevelDebugValue)
		return
	}
	log.SetLevel(zerolog.LevelInfoValue)
}

// Option configures a dispatcher or an Interface.
type Option func(*options)

type options struct {
	name   string
	logger *zerolog.Logger
}

// WithName sets the name used in log fields and metric labels.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger replaces the package logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

func buildOptions(defaultName string, opts []Option) (string, zerolog.Logger) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.name == "" {
		o.name = defaultName
	}
	if o.logger == nil {
		l := log.WithComponent("candispatch")
		o.logger = &l
	}
	return o.name, *o.logger
}
