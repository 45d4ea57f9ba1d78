package reduce

import (
	"os"
	"strconv"
	"time"
)

// retryTimeoutEnv is the environment variable that overrides the default
// mapping retry timeout, in milliseconds.
const retryTimeoutEnv = "IGNITE_SQL_RETRY_TIMEOUT"

const defaultRetryTimeout = 30 * time.Second

// cfg holds everything an Opt can configure. Unexported: callers only ever
// see Opt values, never the struct itself.
type cfg struct {
	logger  Logger
	metrics *Metrics

	pageSize int

	retryTimeout time.Duration

	fanoutConcurrency int
}

// Opt configures a Reducer at construction time.
type Opt interface {
	apply(*cfg)
}

type opt func(*cfg)

func (o opt) apply(c *cfg) { o(c) }

// WithLogger injects a Logger. The default is a no-op logger.
func WithLogger(l Logger) Opt {
	return opt(func(c *cfg) { c.logger = l })
}

// WithMetrics injects a Metrics collector. The default is a no-op collector.
func WithMetrics(m *Metrics) Opt {
	return opt(func(c *cfg) { c.metrics = m })
}

// WithPageSize sets the number of rows requested per map-side page.
func WithPageSize(n int) Opt {
	return opt(func(c *cfg) {
		if n > 0 {
			c.pageSize = n
		}
	})
}

// WithRetryTimeout overrides the mapping retry timeout. This takes
// precedence over the environment variable, which in turn takes precedence
// over the built-in 30s default.
func WithRetryTimeout(d time.Duration) Opt {
	return opt(func(c *cfg) {
		if d > 0 {
			c.retryTimeout = d
		}
	})
}

// WithFanoutConcurrency bounds how many nodes the Message Transport Adapter
// dials concurrently for a single send(). Zero (the default) leaves the
// concurrency the Transport was constructed with.
func WithFanoutConcurrency(n int) Opt {
	return opt(func(c *cfg) { c.fanoutConcurrency = n })
}

func defaultCfg() cfg {
	return cfg{
		logger:            nopLogger{},
		metrics:           nil,
		pageSize:          1024,
		retryTimeout:      retryTimeoutFromEnv(),
		fanoutConcurrency: 0,
	}
}

func retryTimeoutFromEnv() time.Duration {
	v := os.Getenv(retryTimeoutEnv)
	if v == "" {
		return defaultRetryTimeout
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return defaultRetryTimeout
	}
	return time.Duration(ms) * time.Millisecond
}
