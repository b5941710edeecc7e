package bundle

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/keithlinneman/linnemanlabs-ota/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-ota/internal/log"
)

// DefaultPollInterval is how often the watcher asks the fetcher for a new hash.
const DefaultPollInterval = 5 * time.Minute

// pollResult describes what happened during a single poll cycle.
type pollResult int

const (
	pollDisabled     pollResult = iota // use_download is off
	pollNoChange                       // published hash matches the active one
	pollInstalled                      // new bundle downloaded and installed
	pollFetchError                     // could not read the published hash
	pollInstallError                   // download or install failed
)

// WatcherMetrics is implemented by the metrics package to observe watcher behavior.
type WatcherMetrics interface {
	IncWatcherPolls()
	IncWatcherInstalls()
	IncWatcherError(errType string)
	SetWatcherLastSuccess(unixSeconds float64)
}

type WatcherOptions struct {
	Logger       log.Logger
	Fetcher      Fetcher
	Manager      *Manager
	PollInterval time.Duration
	Metrics      WatcherMetrics

	// OnInstall is called after a successful install on the poll goroutine.
	// The host uses it to schedule a reload.
	OnInstall func(res InstallResult)
}

// Watcher polls a Fetcher at a fixed interval and installs newer bundles
// while use_download is enabled. Failures wait for the next tick.
type Watcher struct {
	fetcher   Fetcher
	manager   *Manager
	logger    log.Logger
	interval  time.Duration
	metrics   WatcherMetrics
	onInstall func(res InstallResult)

	pollCount    int64
	installCount int64
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		fetcher:   opts.Fetcher,
		manager:   opts.Manager,
		logger:    opts.Logger,
		interval:  interval,
		metrics:   opts.Metrics,
		onInstall: opts.OnInstall,
	}
}

// Run starts the poll loop. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info(ctx, "bundle watcher starting",
		"poll_interval", w.interval.String(),
		"active_hash", truncHash(w.manager.ActiveHash()),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(ctx, "bundle watcher stopping",
				"reason", ctx.Err(),
				"polls", w.pollCount,
				"installs", w.installCount,
			)
			return ctx.Err()
		case <-ticker.C:
			w.CheckOnce(ctx)
		}
	}
}

// CheckOnce performs a single poll-compare-install cycle and reports
// whether a bundle was installed.
func (w *Watcher) CheckOnce(ctx context.Context) bool {
	return w.checkOnce(ctx) == pollInstalled
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	enabled, err := w.manager.UseDownload()
	if err != nil {
		w.logger.Error(ctx, err, "bundle watcher: read use_download")
		return pollFetchError
	}
	if !enabled {
		return pollDisabled
	}

	w.pollCount++
	if w.metrics != nil {
		w.metrics.IncWatcherPolls()
	}

	hash, err := w.fetcher.FetchCurrentBundleHash(ctx)
	if err != nil {
		w.logger.Error(ctx, err, "bundle watcher: fetch current hash failed")
		if w.metrics != nil {
			w.metrics.IncWatcherError("fetch")
		}
		return pollFetchError
	}
	if w.metrics != nil {
		w.metrics.SetWatcherLastSuccess(float64(time.Now().Unix()))
	}

	current := w.manager.ActiveHash()
	if hash == "" || cryptoutil.HashEqual(hash, current) {
		return pollNoChange
	}

	w.logger.Info(ctx, "bundle watcher: new bundle hash detected",
		"old_hash", truncHash(current),
		"new_hash", truncHash(hash),
	)

	path, err := w.fetcher.Download(ctx, hash)
	if err != nil {
		w.logger.Error(ctx, err, "bundle watcher: download failed", "hash", truncHash(hash))
		if w.metrics != nil {
			w.metrics.IncWatcherError("download")
		}
		return pollInstallError
	}
	defer os.Remove(path)

	res, err := w.manager.Install(ctx, path, InstallOptions{ExpectedHash: hash, Source: "watcher"})
	if err != nil {
		w.logger.Error(ctx, err, "bundle watcher: install failed, keeping current bundle",
			"rejected_hash", truncHash(hash),
			"current_hash", truncHash(current),
		)
		if w.metrics != nil {
			w.metrics.IncWatcherError("install")
		}
		return pollInstallError
	}

	w.installCount++
	if w.metrics != nil {
		w.metrics.IncWatcherInstalls()
	}

	if w.onInstall != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error(ctx, fmt.Errorf("OnInstall panic: %v", r),
						"bundle watcher: OnInstall callback panicked, continuing",
						"hash", truncHash(hash),
					)
				}
			}()
			w.onInstall(res)
		}()
	}
	return pollInstalled
}
