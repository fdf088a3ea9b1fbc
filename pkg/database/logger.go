package database

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/dgraph-io/badger/v4"
	"github.com/luxfi/log"
)

// Option configures how a store is opened
type Option func(*options)

type options struct {
	logger log.Logger
}

// WithLogger routes the engine's own messages (WAL replay, compactions) to l
func WithLogger(l log.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = log.NewNoOpLogger()
	}
	return o
}

var (
	_ pebble.Logger = engineLogger{}
	_ badger.Logger = engineLogger{}
)

// engineLogger satisfies both pebble.Logger and badger.Logger
type engineLogger struct {
	log log.Logger
}

func (l engineLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l engineLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l engineLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l engineLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(format, args...))
}

// Fatalf exits the process, matching pebble's default logger
func (l engineLogger) Fatalf(format string, args ...interface{}) {
	l.log.Crit(fmt.Sprintf(format, args...))
}
