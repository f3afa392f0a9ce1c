package specbundle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRefreshInterval = 1 * time.Hour
	defaultFetchTimeout    = 30 * time.Second
	cacheReloadDebounce    = 150 * time.Millisecond
	cacheFileName          = "spec_bundle.json"
)

// Options configures a Store.
type Options struct {
	// RemoteURL, if set, is polled every RefreshInterval for a newer
	// bundle. Empty disables network refresh entirely.
	RemoteURL string
	// RefreshInterval overrides defaultRefreshInterval.
	RefreshInterval time.Duration
	// FetchTimeout overrides defaultFetchTimeout.
	FetchTimeout time.Duration
	// CacheDir overrides os.UserCacheDir() for the on-disk cached copy.
	CacheDir string
}

// Store holds the current Snapshot and manages its lifecycle: load from
// cache or embedded bytes at startup, watch the cache file for external
// changes, and periodically attempt a remote refresh, atomically swapping
// in each newer snapshot without ever invalidating readers holding an
// older one.
type Store struct {
	opts      Options
	current   atomic.Pointer[Snapshot]
	cachePath string
	client    *http.Client
	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
}

// NewStore loads the initial snapshot (cache, then embedded fallback) and
// returns an unstarted Store. Call Start to begin the watcher and
// background refresher.
func NewStore(opts Options) (*Store, error) {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = defaultRefreshInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultFetchTimeout
	}
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		cacheDir = filepath.Join(dir, "oisp-sensor")
	}
	s := &Store{
		opts:      opts,
		cachePath: filepath.Join(cacheDir, cacheFileName),
		client:    &http.Client{Timeout: opts.FetchTimeout},
	}

	snap, err := s.loadCached()
	if err != nil {
		snap, err = embeddedSnapshot()
		if err != nil {
			return nil, fmt.Errorf("specbundle: no usable bundle (cache or embedded): %w", err)
		}
		log.Debug("specbundle: using embedded fallback bundle")
	}
	s.current.Store(snap)
	return s, nil
}

// Snapshot returns the current immutable snapshot. Safe for concurrent use
// by any number of readers; the returned reference remains valid even
// after a later Start-driven swap.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

func (s *Store) loadCached() (*Snapshot, error) {
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return nil, err
	}
	return parseBundle(data)
}

// Start begins watching the cache file for external changes (e.g. an
// operator dropping in an updated bundle) and, if a remote URL is
// configured, polls it on RefreshInterval.
func (s *Store) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := os.MkdirAll(filepath.Dir(s.cachePath), 0o755); err != nil {
		cancel()
		return fmt.Errorf("specbundle: prepare cache dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return fmt.Errorf("specbundle: create watcher: %w", err)
	}
	s.watcher = w
	if err := w.Add(filepath.Dir(s.cachePath)); err != nil {
		w.Close()
		cancel()
		return fmt.Errorf("specbundle: watch cache dir: %w", err)
	}

	go s.watchCacheFile(runCtx)
	if s.opts.RemoteURL != "" {
		go s.refreshLoop(runCtx)
	}
	return nil
}

// Stop releases the watcher and stops the background refresher.
func (s *Store) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) watchCacheFile(ctx context.Context) {
	var timer *time.Timer
	reload := func() {
		if snap, err := s.loadCached(); err == nil {
			s.current.Store(snap)
			log.WithField("version", snap.Version()).Debug("specbundle: reloaded cache from disk")
		}
	}
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.cachePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(cacheReloadDebounce, reload)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("specbundle: watcher error")
		}
	}
}

func (s *Store) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.fetchAndSwap(ctx); err != nil {
				log.WithError(err).Warn("specbundle: remote refresh failed")
			}
		}
	}
}

func (s *Store) fetchAndSwap(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, s.opts.RemoteURL, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}

	snap, err := parseBundle(data)
	if err != nil {
		return fmt.Errorf("invalid bundle schema: %w", err)
	}

	tmp := s.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, s.cachePath); err != nil {
		return fmt.Errorf("atomic rename cache: %w", err)
	}

	s.current.Store(snap)
	log.WithField("version", snap.Version()).Info("specbundle: swapped in refreshed bundle")
	return nil
}
