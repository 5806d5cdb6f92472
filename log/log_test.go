package log_test

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"

	"pipelined.dev/engine/log"
)

func TestLimited(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := log.NewLimited(logger, map[time.Duration]int{time.Minute: 2})

	assert.True(t, l.Warn("cycle", nil, "loop %d", 1))
	assert.True(t, l.Warn("cycle", nil, "loop %d", 2))
	assert.False(t, l.Warn("cycle", nil, "loop %d", 3))
	assert.Equal(t, 1, l.Suppressed("cycle"))

	// categories are limited independently
	assert.True(t, l.Bug("pool", logrus.Fields{"signal": 1}, "double release"))

	entries := hook.AllEntries()
	assert.Equal(t, 3, len(entries))
	assert.Equal(t, "loop 1", entries[0].Message)
	assert.Equal(t, logrus.WarnLevel, entries[0].Level)
	assert.Equal(t, "cycle", entries[0].Data["category"])
	assert.Equal(t, logrus.ErrorLevel, entries[2].Level)
	assert.Equal(t, 1, entries[2].Data["signal"])
}

func TestUnlimited(t *testing.T) {
	logger, hook := test.NewNullLogger()
	l := log.NewLimited(logger, nil)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Warn("clamp", nil, "clamped"))
	}
	assert.Equal(t, 100, len(hook.AllEntries()))
	assert.Equal(t, 0, l.Suppressed("clamp"))
}

func TestNilLimited(t *testing.T) {
	var l *log.Limited
	assert.False(t, l.Warn("any", nil, "message"))
}

func TestGetLogger(t *testing.T) {
	assert.NotNil(t, log.GetLogger())
	assert.NotNil(t, log.Discard())
}
