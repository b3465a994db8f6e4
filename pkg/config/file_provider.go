package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/polisai/polis-tcp/pkg/domain"
	"github.com/polisai/polis-tcp/pkg/metrics"
)

// DefaultDebounce is the quiet period after the last file event before a reload.
const DefaultDebounce = 100 * time.Millisecond

// PipelineSet is a converted pipeline file published to subscribers.
type PipelineSet struct {
	Generation int64
	LoadedAt   time.Time
	Pipelines  []domain.Pipeline
}

// FileProviderOptions configures a FileProvider.
type FileProviderOptions struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Debounce time.Duration
	// Watch enables fsnotify hot reload. Without it the file is read once.
	Watch bool
}

// FileProvider loads pipelines from a local file and republishes them when
// the file changes.
type FileProvider struct {
	path     string
	logger   *slog.Logger
	metrics  *metrics.Metrics
	debounce time.Duration

	mu          sync.RWMutex
	current     PipelineSet
	generation  int64
	subscribers []chan PipelineSet
	closed      bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewFileProvider loads path and, when opts.Watch is set, starts watching it.
// The initial load must succeed.
func NewFileProvider(path string, opts FileProviderOptions) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	p := &FileProvider{
		path:     absPath,
		logger:   logger.With("component", "pipeline_file", "path", absPath),
		metrics:  opts.Metrics,
		debounce: debounce,
		cancel:   func() {},
		done:     make(chan struct{}),
	}

	if err := p.Reload(); err != nil {
		return nil, fmt.Errorf("initial pipeline load: %w", err)
	}

	if !opts.Watch {
		close(p.done)
		return p, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// The directory is watched so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.watcher = watcher
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// Current returns the most recently loaded pipeline set.
func (p *FileProvider) Current() PipelineSet {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Subscribe returns a channel that receives the current set immediately and
// every later reload. Slow consumers miss intermediate sets, never the latest.
func (p *FileProvider) Subscribe() <-chan PipelineSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan PipelineSet, 1)
	ch <- p.current
	if p.closed {
		close(ch)
		return ch
	}
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Close stops the watcher and closes subscriber channels.
func (p *FileProvider) Close() error {
	p.cancel()
	var err error
	if p.watcher != nil {
		err = p.watcher.Close()
	}
	<-p.done

	p.mu.Lock()
	p.closed = true
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.mu.Unlock()
	return err
}

// Reload reads and converts the file, publishing it on success. A failed
// reload keeps the previous set.
func (p *FileProvider) Reload() error {
	set, err := p.read()
	if err != nil {
		p.metrics.RecordConfigReload("failure")
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.generation++
	set.Generation = p.generation
	p.current = set
	for _, ch := range p.subscribers {
		publishLatest(ch, set)
	}
	p.mu.Unlock()

	p.metrics.RecordConfigReload("success")
	p.logger.Info("pipelines loaded",
		slog.Int64("generation", set.Generation),
		slog.Int("pipeline_count", len(set.Pipelines)))
	return nil
}

func (p *FileProvider) read() (PipelineSet, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(p.path)
	if err != nil {
		return PipelineSet{}, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	snapshot, err := ParseSnapshot(data)
	if err != nil {
		return PipelineSet{}, err
	}
	pipelines, err := snapshot.ToDomain()
	if err != nil {
		return PipelineSet{}, fmt.Errorf("failed to convert pipelines: %w", err)
	}
	return PipelineSet{LoadedAt: snapshot.ReceivedAt, Pipelines: pipelines}, nil
}

// publishLatest replaces any unread set so the subscriber sees the newest one.
func publishLatest(ch chan PipelineSet, set PipelineSet) {
	for {
		select {
		case ch <- set:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (p *FileProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(p.debounce, func() {
					if ctx.Err() != nil {
						return
					}
					if err := p.Reload(); err != nil {
						p.logger.Error("pipeline reload failed", "error", err)
					}
				})
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("watcher error", "error", err)
		}
	}
}
