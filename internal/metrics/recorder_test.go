package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Returns the value of the counter or gauge sample matching name and labels.
func sample(t *testing.T, r *Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := r.registry.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder(nil)

	r.ObserveCache(false)
	r.ObserveCache(true)
	r.ObserveCache(true)
	r.ObserveStage("dependencies", time.Second, nil)
	r.ObserveStage("source", 2*time.Second, errors.New("boom"))
	r.ObserveBuild(3*time.Second, errors.New("boom"))

	assert.InDelta(t, 2, sample(t, r, "libpack_dependency_cache_lookups_total", map[string]string{"result": "hit"}), 0)
	assert.InDelta(t, 1, sample(t, r, "libpack_dependency_cache_lookups_total", map[string]string{"result": "miss"}), 0)
	assert.InDelta(t, 1, sample(t, r, "libpack_stage_results_total", map[string]string{"stage": "dependencies", "result": resultSuccess}), 0)
	assert.InDelta(t, 1, sample(t, r, "libpack_stage_results_total", map[string]string{"stage": "source", "result": resultFailed}), 0)
	assert.InDelta(t, 1, sample(t, r, "libpack_build_outcomes_total", map[string]string{"outcome": resultFailed}), 0)
	assert.InDelta(t, 0, sample(t, r, "libpack_last_success_timestamp_seconds", nil), 0)
}

func TestRecorderLastSuccess(t *testing.T) {
	r := NewRecorder(nil)
	before := time.Now().Unix()

	r.ObserveBuild(time.Second, nil)

	assert.GreaterOrEqual(t, sample(t, r, "libpack_last_success_timestamp_seconds", nil), float64(before))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveCache(true)
	r.ObserveStage("source", time.Second, nil)
	r.ObserveBuild(time.Second, nil)
}

func TestWriteTextfile(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveCache(true)
	r.ObserveBuild(time.Second, nil)

	path := filepath.Join(t.TempDir(), "libpack.prom")
	require.NoError(t, r.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(b)
	assert.True(t, strings.Contains(text, `libpack_dependency_cache_lookups_total{result="hit"} 1`), text)
	assert.True(t, strings.Contains(text, `libpack_build_outcomes_total{outcome="success"} 1`), text)
}
