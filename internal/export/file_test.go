package export

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
)

// bigEvent returns an event whose marshaled JSON line alone crosses the
// 1 MiB rotation threshold, so a single Export call triggers exactly one
// rotation.
func bigEvent(id string) *oisp.Event {
	return &oisp.Event{
		EventID: id,
		Attrs:   map[string]any{"padding": strings.Repeat("a", 1100000)},
	}
}

func TestFileSinkRotatesAndRenumbersBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.jsonl")
	sink := NewFileSink(path, 1, 2, false, nil)
	require.NoError(t, sink.Init(context.Background()))
	defer sink.Shutdown(context.Background())

	for _, id := range []string{"ev1", "ev2", "ev3"} {
		require.NoError(t, sink.Export(context.Background(), bigEvent(id)))
	}

	first := readFile(t, path+".1")
	second := readFile(t, path+".2")
	require.Contains(t, first, `"ev3"`, "<path>.1 should hold the most recently rotated file")
	require.Contains(t, second, `"ev2"`, "<path>.2 should hold the second most recent rotated file")
	require.NotContains(t, first, `"ev1"`)
	require.NotContains(t, second, `"ev1"`, "ev1's rotated file should be dropped once MaxBackups=2 is exceeded")

	_, err := os.Stat(path + ".3")
	require.True(t, os.IsNotExist(err), "expected no <path>.3 with MaxBackups=2")
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
