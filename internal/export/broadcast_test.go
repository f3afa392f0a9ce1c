package export

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
)

func TestParseTypeFilter(t *testing.T) {
	cases := map[string]map[string]struct{}{
		"":                            nil,
		"   ":                         nil,
		"ai.request":                  {"ai.request": {}},
		"ai.request,ai.response":      {"ai.request": {}, "ai.response": {}},
		" ai.request , ,ai.response ": {"ai.request": {}, "ai.response": {}},
	}
	for raw, want := range cases {
		require.Equal(t, want, parseTypeFilter(raw), "parseTypeFilter(%q)", raw)
	}
}

func TestBroadcastSinkExportWithNoSubscribersIsANoOp(t *testing.T) {
	b := NewBroadcastSink(nil)
	require.NoError(t, b.Export(context.Background(), &oisp.Event{EventType: "ai.request"}))
}

func TestBroadcastSinkProcessAlwaysForwardsTheEvent(t *testing.T) {
	b := NewBroadcastSink(nil)
	ev := &oisp.Event{EventID: "1"}
	out, err := b.Process(context.Background(), ev)
	require.NoError(t, err)
	require.Same(t, ev, out, "expected Process to forward the same event even though nothing subscribed")
}
