package common

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestStageTimer(t *testing.T) {
	timer := NewStageTimer("preprocess", nil)
	time.Sleep(10 * time.Millisecond)

	duration := timer.Stop()
	assert.GreaterOrEqual(t, duration, 10*time.Millisecond)

	attr := timer.LogAttr()
	assert.Equal(t, "preprocess", attr.Key)
	assert.Equal(t, duration, attr.Value.Duration())
}

func TestStageTimer_UnnamedLogAttr(t *testing.T) {
	timer := NewStageTimer("", nil)
	timer.Stop()
	assert.Equal(t, "duration", timer.LogAttr().Key)
}

func TestStageTimer_Observes(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_stage_seconds", Help: "test"})
	NewStageTimer("decode", hist).Stop()
	assert.Equal(t, 1, testutil.CollectAndCount(hist))
}
