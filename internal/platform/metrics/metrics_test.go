package metrics

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPrometheus(t *testing.T) {
	t.Parallel()
	r := NewRegistry("casework")
	r.Inc("tasks_submitted_total", Labels{"category": "disk_imaging"})
	r.Add("tasks_submitted_total", Labels{"category": "disk_imaging"}, 2)
	r.Set("tasks_running", Labels{"category": "triage"}, 4)
	r.Set("event_feeds", nil, 7)
	r.Observe("task_duration", Labels{"category": "triage"}, 1500*time.Millisecond)

	out, err := r.RenderPrometheus(context.Background())
	require.NoError(t, err)

	assert.Contains(t, out, `casework_tasks_submitted_total{category="disk_imaging"} 3`)
	assert.Contains(t, out, `casework_tasks_running{category="triage"} 4`)
	assert.Contains(t, out, "casework_event_feeds 7\n")
	assert.Contains(t, out, `casework_task_duration_seconds_sum{category="triage"} 1.5`)
	assert.Contains(t, out, `casework_task_duration_seconds_count{category="triage"} 1`)
	assert.Contains(t, out, `casework_task_duration_seconds_bucket{category="triage",le="+Inf"} 1`)
}

func TestGaugeKeepsLastValue(t *testing.T) {
	t.Parallel()
	r := NewRegistry("")
	r.Set("queue_depth", Labels{"category": "triage"}, 9)
	r.Set("queue_depth", Labels{"category": "triage"}, 2)

	assert.Equal(t, float64(2), r.Gauge("queue_depth", Labels{"category": "triage"}))
	assert.Zero(t, r.Gauge("queue_depth", Labels{"category": "memory"}))
}

func TestSanitizeAndLookup(t *testing.T) {
	t.Parallel()
	r := NewRegistry("")
	r.Inc("provider.requests", Labels{"backend-id": "gemini"})

	assert.Equal(t, float64(1), r.Counter("provider.requests", Labels{"backend-id": "gemini"}))
	assert.Zero(t, r.Counter("provider.requests", nil))

	out, err := r.RenderPrometheus(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, `provider_requests{backend_id="gemini"} 1`)

	r.Add("ignored", nil, 0)
	r.Add("ignored", nil, -3)
	out, err = r.RenderPrometheus(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, out, "ignored")
}

func TestConcurrentUpdates(t *testing.T) {
	t.Parallel()
	r := NewRegistry("x")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Inc("hits", Labels{"k": "v"})
			r.Set("level", nil, 1)
		}()
	}
	wg.Wait()
	assert.Equal(t, float64(50), r.Counter("hits", Labels{"k": "v"}))
	assert.Equal(t, float64(1), r.Gauge("level", nil))
}

func TestShutdownStopsCollection(t *testing.T) {
	t.Parallel()
	r := NewRegistry("x")
	r.Inc("hits", nil)
	require.NoError(t, r.Shutdown(context.Background()))

	_, err := r.RenderPrometheus(context.Background())
	assert.Error(t, err)
}
