package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

const defaultFileMaxSizeMB = 64

// FileSink appends one JSON line per event to Path, LF-terminated, no
// trailing comma. Rotation is size-triggered: lumberjack.Logger does the
// actual rename-and-reopen (it already rotates the teacher's own text
// logs), but its backup names are newest-timestamp, not the numbered
// scheme this sink's wire contract promises. After every rotation this
// sink renumbers lumberjack's backup into <path>.1 and shifts any
// existing <path>.N up by one, dropping whatever falls past MaxBackups,
// so <path>.1 is always the most recently completed file.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	Fsync      bool

	mu        sync.Mutex
	logger    *lumberjack.Logger
	fsyncFile *os.File
	counters  pipeline.Counters
	log       *logrus.Logger
}

// NewFileSink builds a JSONL exporter. maxSizeMB <= 0 uses a 64 MiB
// default; maxBackups <= 0 keeps rotated files forever.
func NewFileSink(path string, maxSizeMB, maxBackups int, fsync bool, log *logrus.Logger) *FileSink {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultFileMaxSizeMB
	}
	return &FileSink{Path: path, MaxSizeMB: maxSizeMB, MaxBackups: maxBackups, Fsync: fsync, log: logFor(log)}
}

func (f *FileSink) Name() string  { return "export.file" }
func (f *FileSink) Priority() int { return 0 }

func (f *FileSink) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("export: create jsonl directory: %w", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	// lumberjack's own size limit is set out of reach so that it neither
	// rotates on its own (leaving a timestamped backup that is never
	// renumbered) nor rejects a single line longer than MaxSizeMB; Export's
	// size check drives every rotation.
	f.logger = &lumberjack.Logger{Filename: f.Path, MaxSize: 1 << 30, MaxBackups: 0, MaxAge: 0, Compress: false}
	if f.Fsync {
		file, err := os.OpenFile(f.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("export: open jsonl for fsync: %w", err)
		}
		f.fsyncFile = file
	}
	return nil
}

func (f *FileSink) Process(ctx context.Context, ev *oisp.Event) (*oisp.Event, error) {
	f.counters.In.Add(1)
	if err := f.Export(ctx, ev); err != nil {
		f.counters.Errors.Add(1)
		f.log.WithError(err).Warn("export: file sink write failed")
	} else {
		f.counters.Out.Add(1)
	}
	return ev, nil
}

// Export writes one JSON line and rotates when the file crosses MaxSizeMB.
func (f *FileSink) Export(_ context.Context, ev *oisp.Event) error {
	line, err := marshalLine(ev)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err = f.logger.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("export: write jsonl line: %w", err)
	}
	if f.Fsync && f.fsyncFile != nil {
		if err = f.fsyncFile.Sync(); err != nil {
			return fmt.Errorf("export: fsync jsonl: %w", err)
		}
	}
	info, statErr := os.Stat(f.Path)
	if statErr == nil && info.Size() >= int64(f.MaxSizeMB)*1024*1024 {
		if rotErr := f.rotateLocked(); rotErr != nil {
			return rotErr
		}
	}
	return nil
}

// ExportBatch writes each event's line in turn through Export, stopping at
// the first error.
func (f *FileSink) ExportBatch(ctx context.Context, evs []*oisp.Event) error {
	for _, ev := range evs {
		if err := f.Export(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Flush is a no-op: every write already reaches the OS, fsync mode aside.
func (f *FileSink) Flush(context.Context) error { return nil }

func (f *FileSink) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fsyncFile != nil {
		_ = f.fsyncFile.Close()
		f.fsyncFile = nil
	}
	if f.logger != nil {
		return f.logger.Close()
	}
	return nil
}

func (f *FileSink) Stats() pipeline.Snapshot { return f.counters.Snapshot() }

// rotateLocked must be called with f.mu held. It asks lumberjack to rotate
// (rename current -> its own timestamped backup, reopen a fresh file),
// then renumbers: <path>.N-1 -> <path>.N ... <path>.1 -> <path>.2, and the
// backup lumberjack just created becomes <path>.1.
func (f *FileSink) rotateLocked() error {
	if f.fsyncFile != nil {
		_ = f.fsyncFile.Close()
		f.fsyncFile = nil
	}
	before, _ := lumberjackBackups(f.Path)
	if err := f.logger.Rotate(); err != nil {
		return fmt.Errorf("export: rotate jsonl: %w", err)
	}
	if f.Fsync {
		file, err := os.OpenFile(f.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("export: reopen jsonl for fsync: %w", err)
		}
		f.fsyncFile = file
	}
	after, err := lumberjackBackups(f.Path)
	if err != nil {
		return fmt.Errorf("export: list rotated backups: %w", err)
	}
	fresh := diffNewest(before, after)
	if fresh == "" {
		return nil
	}
	return renumberBackups(f.Path, fresh, f.MaxBackups)
}

// lumberjackBackups lists lumberjack-named backups of path: <base>-<stamp>.<ext>.
func lumberjackBackups(path string) (map[string]os.FileInfo, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "-"
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make(map[string]os.FileInfo, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if ext != "" && !strings.HasSuffix(name, ext) {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		out[filepath.Join(dir, name)] = info
	}
	return out, nil
}

func diffNewest(before, after map[string]os.FileInfo) string {
	var newest string
	var newestMod time.Time
	for path, info := range after {
		if _, existed := before[path]; existed {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = path
			newestMod = info.ModTime()
		}
	}
	return newest
}

// renumberBackups shifts <path>.1..<path>.N-1 up to make room, drops
// anything that would fall past maxBackups (0 = unlimited), then moves
// freshBackup into <path>.1.
func renumberBackups(path, freshBackup string, maxBackups int) error {
	existing := numberedBackups(path)
	sort.Sort(sort.Reverse(sort.IntSlice(existing)))
	for _, n := range existing {
		next := n + 1
		if maxBackups > 0 && next > maxBackups {
			if err := os.Remove(numberedPath(path, n)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("export: drop oldest rotated file: %w", err)
			}
			continue
		}
		if err := os.Rename(numberedPath(path, n), numberedPath(path, next)); err != nil {
			return fmt.Errorf("export: renumber rotated file: %w", err)
		}
	}
	if err := os.Rename(freshBackup, numberedPath(path, 1)); err != nil {
		return fmt.Errorf("export: rename rotated file into place: %w", err)
	}
	return nil
}

func numberedPath(path string, n int) string {
	return path + "." + strconv.Itoa(n)
}

func numberedBackups(path string) []int {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []int
	prefix := base + "."
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, convErr := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if convErr != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
