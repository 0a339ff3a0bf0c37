package quorum

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func decisionListHandler(chatID uuid.UUID, records *atomic.Pointer[[]DecisionRecord]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"data": map[string]any{"decisions": *records.Load()},
		})
	}
}

func TestWatcherRefreshUpdatesSnapshot(t *testing.T) {
	chatID := uuid.New()
	decisionID := uuid.New()

	var records atomic.Pointer[[]DecisionRecord]
	records.Store(&[]DecisionRecord{{ID: decisionID, ChatID: chatID, Title: "Choose DB", Version: 1}})

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions": decisionListHandler(chatID, &records),
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	var updates atomic.Int32
	w := NewWatcher(client, WatcherConfig{
		ChatID:   chatID,
		OnUpdate: func([]DecisionRecord) { updates.Add(1) },
	})

	w.Refresh(context.Background())

	snapshot := w.Decisions()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(snapshot))
	}
	if snapshot[0].ID != decisionID {
		t.Errorf("expected decision %s, got %s", decisionID, snapshot[0].ID)
	}
	if updates.Load() != 1 {
		t.Errorf("expected 1 OnUpdate call, got %d", updates.Load())
	}
	if w.Stale() {
		t.Error("watcher should not be stale after a successful poll")
	}
}

func TestWatcherStaleAfterThreshold(t *testing.T) {
	chatID := uuid.New()
	var failing atomic.Bool
	failing.Store(true)

	var records atomic.Pointer[[]DecisionRecord]
	records.Store(&[]DecisionRecord{})

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions": func(w http.ResponseWriter, r *http.Request) {
			if failing.Load() {
				writeAPIError(w, http.StatusInternalServerError, "database down")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"decisions": *records.Load()},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	var staleCalls atomic.Int32
	w := NewWatcher(client, WatcherConfig{
		ChatID:           chatID,
		FailureThreshold: 3,
		OnStale:          func(error) { staleCalls.Add(1) },
	})

	ctx := context.Background()

	// Below threshold: not stale yet.
	w.Refresh(ctx)
	w.Refresh(ctx)
	if w.Stale() {
		t.Error("2 failures should not reach a threshold of 3")
	}
	if staleCalls.Load() != 0 {
		t.Errorf("OnStale fired early: %d calls", staleCalls.Load())
	}

	// Third failure crosses the threshold, once.
	w.Refresh(ctx)
	if !w.Stale() {
		t.Error("expected stale after 3 consecutive failures")
	}
	if staleCalls.Load() != 1 {
		t.Errorf("expected exactly 1 OnStale call, got %d", staleCalls.Load())
	}

	// Further failures do not re-fire the callback.
	w.Refresh(ctx)
	if staleCalls.Load() != 1 {
		t.Errorf("OnStale must fire once per outage, got %d calls", staleCalls.Load())
	}

	// A success resets the counter, so a new outage fires again.
	failing.Store(false)
	w.Refresh(ctx)
	if w.Stale() {
		t.Error("expected stale to clear after a successful poll")
	}
	failing.Store(true)
	w.Refresh(ctx)
	w.Refresh(ctx)
	w.Refresh(ctx)
	if staleCalls.Load() != 2 {
		t.Errorf("expected OnStale to fire again after recovery, got %d calls", staleCalls.Load())
	}
}

func TestWatcherSlowResponseDoesNotOverwriteNewer(t *testing.T) {
	chatID := uuid.New()
	decisionID := uuid.New()

	firstArrived := make(chan struct{})
	releaseFirst := make(chan struct{})
	var requestNum atomic.Int32

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions": func(w http.ResponseWriter, r *http.Request) {
			if requestNum.Add(1) == 1 {
				// Hold the first poll until a newer one has completed.
				close(firstArrived)
				<-releaseFirst
				writeJSON(w, http.StatusOK, map[string]any{
					"data": map[string]any{"decisions": []DecisionRecord{
						{ID: decisionID, ChatID: chatID, Title: "stale", Version: 1},
					}},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"decisions": []DecisionRecord{
					{ID: decisionID, ChatID: chatID, Title: "fresh", Version: 5},
				}},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	w := NewWatcher(client, WatcherConfig{ChatID: chatID})

	done := make(chan struct{})
	go func() {
		w.Refresh(context.Background())
		close(done)
	}()

	<-firstArrived
	// Newer poll completes while the first is still in flight.
	w.Refresh(context.Background())

	close(releaseFirst)
	<-done

	snapshot := w.Decisions()
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(snapshot))
	}
	if snapshot[0].Title != "fresh" || snapshot[0].Version != 5 {
		t.Errorf("stale response overwrote newer data: got %q v%d", snapshot[0].Title, snapshot[0].Version)
	}
}

func TestWatcherApplyLocal(t *testing.T) {
	chatID := uuid.New()
	decisionID := uuid.New()

	client := newTestClient(t, "http://unused.invalid")
	var updates atomic.Int32
	w := NewWatcher(client, WatcherConfig{
		ChatID:   chatID,
		OnUpdate: func([]DecisionRecord) { updates.Add(1) },
	})

	// Unknown id is added.
	w.ApplyLocal(DecisionRecord{ID: decisionID, ChatID: chatID, Title: "Choose DB", Version: 2})
	if got := w.Decisions(); len(got) != 1 || got[0].Version != 2 {
		t.Fatalf("expected [v2], got %v", got)
	}

	// Newer version replaces.
	w.ApplyLocal(DecisionRecord{ID: decisionID, ChatID: chatID, Title: "Choose DB", Version: 3})
	if got := w.Decisions(); got[0].Version != 3 {
		t.Errorf("expected v3, got v%d", got[0].Version)
	}

	// Older version is ignored.
	w.ApplyLocal(DecisionRecord{ID: decisionID, ChatID: chatID, Title: "Choose DB", Version: 1})
	if got := w.Decisions(); got[0].Version != 3 {
		t.Errorf("older record overwrote newer: got v%d", got[0].Version)
	}

	// Records for other chats are ignored entirely.
	w.ApplyLocal(DecisionRecord{ID: uuid.New(), ChatID: uuid.New(), Version: 1})
	if got := w.Decisions(); len(got) != 1 {
		t.Errorf("expected record from another chat to be ignored, got %d records", len(got))
	}

	if updates.Load() != 3 {
		t.Errorf("expected 3 OnUpdate calls, got %d", updates.Load())
	}
}

func TestWatcherStartPollsOnInterval(t *testing.T) {
	chatID := uuid.New()

	var polls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions": func(w http.ResponseWriter, r *http.Request) {
			polls.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"decisions": []DecisionRecord{}},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	w := NewWatcher(client, WatcherConfig{ChatID: chatID, Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	deadline := time.After(3 * time.Second)
	for polls.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 polls, got %d", polls.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	w.Stop()
	after := polls.Load()
	time.Sleep(50 * time.Millisecond)
	if polls.Load() != after {
		t.Error("watcher kept polling after Stop")
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	srv := mockServer(t, nil)
	defer srv.Close()

	w := NewWatcher(newTestClient(t, srv.URL), WatcherConfig{ChatID: uuid.New()})

	done := make(chan struct{})
	go func() {
		w.Stop()
		w.Stop() // idempotent
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a watcher that was never started")
	}
}

func TestWatcherPaginatesFullSnapshot(t *testing.T) {
	chatID := uuid.New()

	// More decisions than one server page holds.
	total := watcherPageSize + 5
	all := make([]DecisionRecord, total)
	for i := range all {
		all[i] = DecisionRecord{ID: uuid.New(), ChatID: chatID, Version: 1}
	}

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions": func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
			if limit <= 0 || limit > watcherPageSize {
				limit = watcherPageSize
			}
			page := []DecisionRecord{}
			if offset < total {
				end := offset + limit
				if end > total {
					end = total
				}
				page = all[offset:end]
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{"decisions": page},
			})
		},
	})
	defer srv.Close()

	w := NewWatcher(newTestClient(t, srv.URL), WatcherConfig{ChatID: chatID})
	w.Refresh(context.Background())

	if got := len(w.Decisions()); got != total {
		t.Fatalf("expected the full %d-decision snapshot, got %d", total, got)
	}
}

func TestWatcherDefaults(t *testing.T) {
	client := newTestClient(t, "http://unused.invalid")
	w := NewWatcher(client, WatcherConfig{ChatID: uuid.New()})

	if w.cfg.Interval != DefaultPollInterval {
		t.Errorf("expected default interval %v, got %v", DefaultPollInterval, w.cfg.Interval)
	}
	if w.cfg.FailureThreshold != DefaultFailureThreshold {
		t.Errorf("expected default threshold %d, got %d", DefaultFailureThreshold, w.cfg.FailureThreshold)
	}
}
