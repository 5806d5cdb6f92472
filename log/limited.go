package log

import (
	"fmt"
	"sync"
	"time"

	catrate "github.com/joeycumines/go-catrate"
	"github.com/sirupsen/logrus"
)

// DefaultRates limits every warning category to a few messages per second
// and a minute.
var DefaultRates = map[time.Duration]int{
	time.Second: 5,
	time.Minute: 60,
}

// Limited is a sink for non-fatal conditions. Messages are limited per
// category; suppressed repeats are counted and reported with the next
// message of the same category.
type Limited struct {
	logger     logrus.FieldLogger
	limiter    *catrate.Limiter
	mu         sync.Mutex
	suppressed map[string]int
}

// NewLimited returns a sink which writes to the logger. Empty rates disable
// limiting.
func NewLimited(logger logrus.FieldLogger, rates map[time.Duration]int) *Limited {
	l := &Limited{
		logger:     logger,
		suppressed: make(map[string]int),
	}
	if len(rates) > 0 {
		l.limiter = catrate.NewLimiter(rates)
	}
	return l
}

// Logger returns underlying logger.
func (l *Limited) Logger() logrus.FieldLogger {
	return l.logger
}

// Warn logs a warning. It returns false if message was suppressed.
func (l *Limited) Warn(category string, fields logrus.Fields, format string, args ...any) bool {
	return l.log(logrus.WarnLevel, category, fields, format, args...)
}

// Bug logs a programming error, such as a broken pool invariant.
func (l *Limited) Bug(category string, fields logrus.Fields, format string, args ...any) bool {
	return l.log(logrus.ErrorLevel, category, fields, format, args...)
}

// Suppressed returns number of messages suppressed since the last one
// emitted for the category.
func (l *Limited) Suppressed(category string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.suppressed[category]
}

func (l *Limited) log(level logrus.Level, category string, fields logrus.Fields, format string, args ...any) bool {
	if l == nil {
		return false
	}
	if l.limiter != nil {
		if _, ok := l.limiter.Allow(category); !ok {
			l.mu.Lock()
			l.suppressed[category]++
			l.mu.Unlock()
			return false
		}
	}
	l.mu.Lock()
	n := l.suppressed[category]
	delete(l.suppressed, category)
	l.mu.Unlock()

	entry := l.logger.WithFields(fields).WithField("category", category)
	if n > 0 {
		entry = entry.WithField("suppressed", n)
	}
	entry.Log(level, fmt.Sprintf(format, args...))
	return true
}
