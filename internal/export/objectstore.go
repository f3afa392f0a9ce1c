package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

const archiveSweepInterval = time.Minute

var rotatedFilePattern = regexp.MustCompile(`\.(\d+)$`)

// ArchiveOptions configures the object-storage archival sink.
type ArchiveOptions struct {
	Endpoint    string
	Bucket      string
	AccessKey   string
	SecretKey   string
	Region      string
	Prefix      string
	UseSSL      bool
	PathStyle   bool
	WatchDir    string // directory the file sink rotates JSONL into
	DeleteLocal bool   // remove the local rotated file once uploaded
}

// ArchiveSink periodically sweeps WatchDir for rotated JSONL files
// (<base>.<N>, the file sink's naming contract) and uploads any it has
// not yet seen to S3-compatible object storage, the generalized
// descendant of the teacher's internal/store ObjectTokenStore: same
// minio-go client and bucket-ensure dance, repurposed from mirroring
// config/auth files to archiving completed event batches for long-horizon
// replay outside the pipeline's in-memory window.
type ArchiveSink struct {
	client *minio.Client
	opts   ArchiveOptions
	log    *logrus.Logger

	mu       sync.Mutex
	uploaded map[string]struct{}
	stop     chan struct{}
	wg       sync.WaitGroup
	counters pipeline.Counters
}

func NewArchiveSink(opts ArchiveOptions, log *logrus.Logger) (*ArchiveSink, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("export: archive endpoint and bucket are required")
	}
	clientOpts := &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	}
	if opts.PathStyle {
		clientOpts.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(opts.Endpoint, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("export: create minio client: %w", err)
	}
	return &ArchiveSink{
		client:   client,
		opts:     opts,
		log:      logFor(log),
		uploaded: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}, nil
}

func (a *ArchiveSink) Name() string  { return "export.archive" }
func (a *ArchiveSink) Priority() int { return 100 } // runs after the file sink has had a chance to rotate

func (a *ArchiveSink) Init(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.opts.Bucket)
	if err != nil {
		return fmt.Errorf("export: check archive bucket: %w", err)
	}
	if !exists {
		if err = a.client.MakeBucket(ctx, a.opts.Bucket, minio.MakeBucketOptions{Region: a.opts.Region}); err != nil {
			return fmt.Errorf("export: create archive bucket: %w", err)
		}
	}
	a.wg.Add(1)
	go a.run()
	return nil
}

func (a *ArchiveSink) run() {
	defer a.wg.Done()
	ticker := time.NewTicker(archiveSweepInterval)
	defer ticker.Stop()
	a.sweep()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// sweep uploads every rotated file it hasn't uploaded yet, oldest first,
// skipping <base>.1 (the most recently rotated, still likely to be
// re-renumbered by the next rotation before it's ever touched again —
// in practice harmless to upload early, but waiting one sweep avoids a
// redundant re-upload when churn is high).
func (a *ArchiveSink) sweep() {
	if a.opts.WatchDir == "" {
		return
	}
	entries, err := os.ReadDir(a.opts.WatchDir)
	if err != nil {
		if !os.IsNotExist(err) {
			a.log.WithError(err).Warn("export: archive sweep: read watch dir")
		}
		return
	}
	type candidate struct {
		path string
		n    int
	}
	var candidates []candidate
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := rotatedFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		n, convErr := strconv.Atoi(m[1])
		if convErr != nil || n <= 1 {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(a.opts.WatchDir, entry.Name()), n: n})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].n > candidates[j].n })
	for _, c := range candidates {
		a.mu.Lock()
		_, seen := a.uploaded[c.path]
		a.mu.Unlock()
		if seen {
			continue
		}
		if err := a.uploadFile(context.Background(), c.path); err != nil {
			a.counters.Errors.Add(1)
			a.log.WithError(err).Warnf("export: archive upload failed for %s", c.path)
			continue
		}
		a.mu.Lock()
		a.uploaded[c.path] = struct{}{}
		a.mu.Unlock()
		a.counters.Out.Add(1)
		if a.opts.DeleteLocal {
			if err := os.Remove(c.path); err != nil {
				a.log.WithError(err).Warnf("export: archive: remove local file %s", c.path)
			}
		}
	}
}

func (a *ArchiveSink) uploadFile(ctx context.Context, path string) error {
	key := a.prefixedKey(filepath.Base(path))
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("export: stat rotated file: %w", err)
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("export: open rotated file: %w", err)
	}
	defer file.Close()
	_, err = a.client.PutObject(ctx, a.opts.Bucket, key, file, info.Size(), minio.PutObjectOptions{ContentType: "application/x-ndjson"})
	if err != nil {
		return fmt.Errorf("export: put archive object %s: %w", key, err)
	}
	return nil
}

func (a *ArchiveSink) prefixedKey(name string) string {
	prefix := strings.Trim(a.opts.Prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Process is a pass-through: archival works off rotated files on disk,
// not individual in-flight events, so it just slots into the Export stage
// to run its background sweep alongside the other sinks.
func (a *ArchiveSink) Process(_ context.Context, ev *oisp.Event) (*oisp.Event, error) { return ev, nil }

func (a *ArchiveSink) Shutdown(context.Context) error {
	close(a.stop)
	a.wg.Wait()
	return nil
}

func (a *ArchiveSink) Stats() pipeline.Snapshot { return a.counters.Snapshot() }
