package quorum

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultPollInterval is how often a Watcher refreshes its chat's
	// decisions when no interval is configured.
	DefaultPollInterval = 7 * time.Second

	// DefaultFailureThreshold is the number of consecutive poll failures
	// after which the watcher reports its data as stale.
	DefaultFailureThreshold = 3
)

// WatcherConfig configures a per-chat Watcher.
type WatcherConfig struct {
	// ChatID selects the chat whose decisions are watched.
	ChatID uuid.UUID

	// Interval between polls. Defaults to DefaultPollInterval.
	Interval time.Duration

	// FailureThreshold is the number of consecutive poll failures before
	// OnStale fires. Defaults to DefaultFailureThreshold.
	FailureThreshold int

	// OnUpdate is called with a fresh snapshot after every successful poll
	// and after ApplyLocal. Optional.
	OnUpdate func(decisions []DecisionRecord)

	// OnStale is called once when consecutive poll failures reach the
	// threshold. It does not fire again until a poll succeeds and the
	// failure counter resets. Optional.
	OnStale func(err error)
}

// Watcher keeps a local snapshot of one chat's decisions by polling the
// server. It tolerates transient failures up to a threshold, reports
// staleness once per outage, and sequences responses so a slow poll can
// never overwrite data from a newer one.
type Watcher struct {
	client *Client
	cfg    WatcherConfig

	mu        sync.Mutex
	decisions []DecisionRecord
	failures  int
	staleSent bool
	started   bool

	// seq orders outgoing requests; applied records the newest request
	// whose response has been accepted. A response with a token at or
	// below applied is discarded.
	seq     uint64
	applied uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher creates a Watcher for the configured chat. Call Start to
// begin polling.
func NewWatcher(client *Client, cfg WatcherConfig) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	return &Watcher{
		client: client,
		cfg:    cfg,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start polls immediately, then on every interval tick until ctx is
// cancelled or Stop is called. It blocks; run it in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()
	defer close(w.done)

	w.poll(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// Stop ends polling and waits for the poll loop to exit. Safe to call
// more than once, and safe on a watcher that was never started.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		<-w.done
	}
}

// Refresh forces an immediate poll outside the regular interval.
func (w *Watcher) Refresh(ctx context.Context) {
	w.poll(ctx)
}

// Decisions returns a copy of the current snapshot.
func (w *Watcher) Decisions() []DecisionRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]DecisionRecord, len(w.decisions))
	copy(out, w.decisions)
	return out
}

// Stale reports whether consecutive poll failures have reached the
// threshold without a successful poll since.
func (w *Watcher) Stale() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failures >= w.cfg.FailureThreshold
}

// ApplyLocal merges a known-fresh record into the snapshot, replacing the
// entry with the same id. Mutation results (for example the record
// returned by VoteOnOption) can be applied this way without waiting for
// the next poll. Records for other chats are ignored.
func (w *Watcher) ApplyLocal(record DecisionRecord) {
	if record.ChatID != w.cfg.ChatID {
		return
	}

	w.mu.Lock()
	replaced := false
	for i := range w.decisions {
		if w.decisions[i].ID == record.ID {
			// Keep the newer version if a poll already moved past this one.
			if record.Version >= w.decisions[i].Version {
				w.decisions[i] = record
			}
			replaced = true
			break
		}
	}
	if !replaced {
		w.decisions = append([]DecisionRecord{record}, w.decisions...)
	}
	snapshot := make([]DecisionRecord, len(w.decisions))
	copy(snapshot, w.decisions)
	w.mu.Unlock()

	if w.cfg.OnUpdate != nil {
		w.cfg.OnUpdate(snapshot)
	}
}

// watcherPageSize matches the server's maximum page size.
const watcherPageSize = 200

// listAll pages through the chat's decisions until a short page so the
// snapshot is the server's complete view, not a truncated first page.
func (w *Watcher) listAll(ctx context.Context) ([]DecisionRecord, error) {
	var all []DecisionRecord
	for offset := 0; ; offset += watcherPageSize {
		page, err := w.client.ListDecisions(ctx, w.cfg.ChatID, watcherPageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < watcherPageSize {
			return all, nil
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	w.mu.Lock()
	w.seq++
	token := w.seq
	w.mu.Unlock()

	decisions, err := w.listAll(ctx)

	w.mu.Lock()
	// A newer request already landed; this response is out of date.
	if token <= w.applied {
		w.mu.Unlock()
		return
	}
	w.applied = token

	if err != nil {
		w.failures++
		crossed := w.failures >= w.cfg.FailureThreshold && !w.staleSent
		if crossed {
			w.staleSent = true
		}
		w.mu.Unlock()

		if crossed && w.cfg.OnStale != nil {
			w.cfg.OnStale(err)
		}
		return
	}

	w.failures = 0
	w.staleSent = false
	w.decisions = decisions
	snapshot := make([]DecisionRecord, len(decisions))
	copy(snapshot, decisions)
	w.mu.Unlock()

	if w.cfg.OnUpdate != nil {
		w.cfg.OnUpdate(snapshot)
	}
}
