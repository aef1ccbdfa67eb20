package observability

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// sharedMetrics registers collectors once; promauto panics on double
// registration against the default registry.
func sharedMetrics() *Metrics {
	metricsOnce.Do(func() { metrics = NewMetrics() })
	return metrics
}

func TestRecordLLMRequest(t *testing.T) {
	m := sharedMetrics()
	m.RecordLLMRequest("anthropic", "test-model", "success", 1.5, 100, 50)

	if got := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("anthropic", "test-model", "success")); got != 1 {
		t.Errorf("request counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "test-model", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v, want 100", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := sharedMetrics()
	m.RecordToolExecution("web_search", "timeout", 30)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("web_search", "timeout")); got != 1 {
		t.Errorf("tool counter = %v, want 1", got)
	}
}

func TestBrokerGauges(t *testing.T) {
	m := sharedMetrics()
	m.BrokerQueueDepth.WithLabelValues("room-1").Set(7)
	m.BrokerRejections.WithLabelValues("room-1").Inc()

	if got := testutil.ToFloat64(m.BrokerQueueDepth.WithLabelValues("room-1")); got != 7 {
		t.Errorf("queue depth = %v, want 7", got)
	}
}
