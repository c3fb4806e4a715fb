package store

import (
	"context"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
)

// gormLogger adapts gorm's logger.Interface onto the service logger.
type gormLogger struct {
	lggr          logger.Logger
	slowThreshold time.Duration
}

func newGormLogger(lggr logger.Logger) *gormLogger {
	return &gormLogger{
		lggr:          logger.Named(lggr, "Gorm"),
		slowThreshold: 200 * time.Millisecond,
	}
}

func (l *gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *gormLogger) Info(_ context.Context, msg string, args ...interface{}) {
	l.lggr.Debugf(msg, args...)
}

func (l *gormLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	l.lggr.Warnf(msg, args...)
}

func (l *gormLogger) Error(_ context.Context, msg string, args ...interface{}) {
	l.lggr.Errorf(msg, args...)
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil:
		l.lggr.Errorw("database query failed", "sql", sql, "rows", rows, "elapsed", elapsed, "err", err)
	case elapsed > l.slowThreshold:
		l.lggr.Warnw("slow query", "sql", sql, "rows", rows, "elapsed", elapsed)
	}
}
