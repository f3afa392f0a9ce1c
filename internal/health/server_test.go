package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

type fakeRuntime struct {
	stages []pipeline.StageHealth
}

func (f *fakeRuntime) StageHealth() []pipeline.StageHealth { return f.stages }

type fakeSink struct {
	name string
	in   uint64
}

func (f *fakeSink) Name() string { return f.name }
func (f *fakeSink) Stats() pipeline.Snapshot {
	return pipeline.Snapshot{In: f.in}
}

func TestHealthzReportsOKWhenNoStageHasAnError(t *testing.T) {
	runtime := &fakeRuntime{stages: []pipeline.StageHealth{
		{Name: "decode", State: "running", In: 10, Out: 10},
		{Name: "export", State: "running", In: 10, Out: 9, Dropped: 1},
	}}
	sinks := []StatSink{&fakeSink{name: "export.file", in: 9}}

	srv := httptest.NewServer(testEngine(t, runtime, sinks))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Len(t, body.Stages, 2)
	require.Len(t, body.Exporters, 1)
	require.Equal(t, "export.file", body.Exporters[0].Name)
	require.EqualValues(t, 9, body.Exporters[0].Stats.In)
}

func TestHealthzReportsDegradedWhenAStageHasALastError(t *testing.T) {
	runtime := &fakeRuntime{stages: []pipeline.StageHealth{
		{Name: "enrich", State: "running", LastError: "bundle fetch failed"},
	}}

	srv := httptest.NewServer(testEngine(t, runtime, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "degraded", body.Status)
}

func testEngine(t *testing.T, runtime StageReporter, sinks []StatSink) http.Handler {
	t.Helper()
	s := NewServer("", runtime, sinks, nil)
	return s.server.Handler
}

func TestServerShutdownWithoutStartIsANoOp(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeRuntime{}, nil, nil)
	require.NoError(t, s.Shutdown(context.Background()))
}
