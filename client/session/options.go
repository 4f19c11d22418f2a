package session

import (
	"time"

	"github.com/trezcool/kanisa/core"
	"github.com/trezcool/kanisa/core/events"
)

const (
	defaultInterval = 2 * time.Second
	defaultTimeout  = 10 * time.Second
)

type Option func(c *Controller)

// WithMinistry sets the ministry sent when opening a session.
func WithMinistry(ministry string) Option {
	return func(c *Controller) { c.ministry = core.CleanString(ministry) }
}

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithRequestTimeout bounds each scheduled poll. Non-positive values are ignored.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEventSource sets where pushed events come from while attached (websocket, SSE, in-process broker...).
func WithEventSource(src events.Source) Option {
	return func(c *Controller) { c.source = src }
}

func WithLogger(logger core.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// FromConfig applies the client section of conf.
func FromConfig(conf *core.Config) Option {
	return func(c *Controller) {
		WithMinistry(conf.Client.Ministry)(c)
		WithInterval(conf.Client.PollInterval)(c)
		WithRequestTimeout(conf.Client.RequestTimeout)(c)
	}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Fatal(string, ...interface{}) {}
