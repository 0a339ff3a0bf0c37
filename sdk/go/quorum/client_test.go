package quorum

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the Quorum API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	// Always register auth endpoint.
	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":     "test-token-xyz",
					"expiresAt": time.Now().Add(1 * time.Hour).Format(time.RFC3339),
				},
			})
		})
	}

	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success":    false,
		"statusCode": status,
		"message":    message,
	})
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:  serverURL,
		Email:    "tester@example.com",
		Password: "test-password",
		Timeout:  5 * time.Second,
	})
}

// pollValue builds a minimal two-option poll for tests.
func pollValue(voters ...string) DecisionValue {
	return DecisionValue{
		Question:     "Which database?",
		DecisionType: TypePoll,
		Stage:        StageActive,
		Options: []DecisionOption{
			{ID: "opt-a", Label: "Postgres", Votes: len(voters), Voters: voters},
			{ID: "opt-b", Label: "SQLite", Votes: 0, Voters: []string{}},
		},
	}
}

func TestListDecisions(t *testing.T) {
	chatID := uuid.New()
	decisionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token-xyz" {
				writeAPIError(w, http.StatusUnauthorized, "missing token")
				return
			}
			if got := r.URL.Query().Get("chatId"); got != chatID.String() {
				t.Errorf("expected chatId %s, got %q", chatID, got)
			}
			if got := r.URL.Query().Get("limit"); got != "10" {
				t.Errorf("expected limit=10, got %q", got)
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"decisions": []DecisionRecord{
						{ID: decisionID, ChatID: chatID, Title: "Choose DB", Version: 3, Value: pollValue()},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	decisions, err := client.ListDecisions(context.Background(), chatID, 10, 0)
	if err != nil {
		t.Fatalf("ListDecisions failed: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}
	if decisions[0].ID != decisionID {
		t.Errorf("expected decision ID %s, got %s", decisionID, decisions[0].ID)
	}
	if decisions[0].Version != 3 {
		t.Errorf("expected version 3, got %d", decisions[0].Version)
	}
}

func TestCreateDecision(t *testing.T) {
	chatID := uuid.New()
	decisionID := uuid.New()

	var receivedBody CreateDecisionRequest
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/decisions": func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeAPIError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": DecisionRecord{
					ID:      decisionID,
					ChatID:  receivedBody.ChatID,
					Title:   receivedBody.Title,
					Value:   receivedBody.Value,
					Version: 1,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	record, err := client.CreateDecision(context.Background(), CreateDecisionRequest{
		ChatID: chatID,
		Title:  "Choose DB",
		Value:  pollValue(),
	})
	if err != nil {
		t.Fatalf("CreateDecision failed: %v", err)
	}
	if record.Version != 1 {
		t.Errorf("expected version 1 on create, got %d", record.Version)
	}
	if receivedBody.ChatID != chatID {
		t.Errorf("expected chatId %s in body, got %s", chatID, receivedBody.ChatID)
	}
	if receivedBody.Title != "Choose DB" {
		t.Errorf("expected title 'Choose DB', got %q", receivedBody.Title)
	}
}

func TestUpdateDecisionSendsExpectedVersion(t *testing.T) {
	decisionID := uuid.New()

	var receivedBody updateBody
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PATCH /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeAPIError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DecisionRecord{ID: decisionID, Value: receivedBody.Value, Version: 5},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	expected := int64(4)
	record, err := client.UpdateDecision(context.Background(), decisionID, pollValue("alice"), "vote toggled", &expected)
	if err != nil {
		t.Fatalf("UpdateDecision failed: %v", err)
	}
	if record.Version != 5 {
		t.Errorf("expected version 5, got %d", record.Version)
	}
	if receivedBody.ExpectedVersion == nil || *receivedBody.ExpectedVersion != 4 {
		t.Errorf("expected expectedVersion 4 in body, got %v", receivedBody.ExpectedVersion)
	}
	if receivedBody.Reason != "vote toggled" {
		t.Errorf("expected reason 'vote toggled', got %q", receivedBody.Reason)
	}
}

func TestUpdateDecisionOmitsExpectedVersion(t *testing.T) {
	decisionID := uuid.New()

	var rawBody map[string]json.RawMessage
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PATCH /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&rawBody); err != nil {
				writeAPIError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DecisionRecord{ID: decisionID, Version: 2},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.UpdateDecision(context.Background(), decisionID, pollValue(), "", nil)
	if err != nil {
		t.Fatalf("UpdateDecision failed: %v", err)
	}
	if _, present := rawBody["expectedVersion"]; present {
		t.Error("expected expectedVersion to be omitted for unconditional updates")
	}
}

func TestErrorTypesMapCorrectly(t *testing.T) {
	decisionID := uuid.New()

	tests := []struct {
		name       string
		status     int
		message    string
		checkFn    func(error) bool
		checkLabel string
	}{
		{
			name: "404", status: http.StatusNotFound,
			message: "not found",
			checkFn: IsNotFound, checkLabel: "IsNotFound",
		},
		{
			name: "409", status: http.StatusConflict,
			message: "version conflict: decision was modified by another writer",
			checkFn: IsConflict, checkLabel: "IsConflict",
		},
		{
			name: "423", status: http.StatusLocked,
			message: "decision is locked",
			checkFn: IsLocked, checkLabel: "IsLocked",
		},
		{
			name: "403", status: http.StatusForbidden,
			message: "insufficient role",
			checkFn: IsForbidden, checkLabel: "IsForbidden",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"GET /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
					writeAPIError(w, tc.status, tc.message)
				},
			})
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			_, err := client.GetDecision(context.Background(), decisionID)
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if apiErr.StatusCode != tc.status {
				t.Errorf("expected status %d, got %d", tc.status, apiErr.StatusCode)
			}
			if apiErr.Message != tc.message {
				t.Errorf("expected message %q, got %q", tc.message, apiErr.Message)
			}
			if !tc.checkFn(err) {
				t.Errorf("%s should return true", tc.checkLabel)
			}
		})
	}
}

func TestVoteOnOptionHappyPath(t *testing.T) {
	decisionID := uuid.New()
	chatID := uuid.New()

	var receivedBody updateBody
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PATCH /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeAPIError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DecisionRecord{ID: decisionID, ChatID: chatID, Value: receivedBody.Value, Version: 2},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	snapshot := DecisionRecord{ID: decisionID, ChatID: chatID, Value: pollValue(), Version: 1}
	record, err := client.VoteOnOption(context.Background(), snapshot, "opt-a", "alice")
	if err != nil {
		t.Fatalf("VoteOnOption failed: %v", err)
	}
	if record.Version != 2 {
		t.Errorf("expected version 2, got %d", record.Version)
	}
	if receivedBody.ExpectedVersion == nil || *receivedBody.ExpectedVersion != 1 {
		t.Errorf("expected expectedVersion 1, got %v", receivedBody.ExpectedVersion)
	}
	voters := receivedBody.Value.Options[0].Voters
	if len(voters) != 1 || voters[0] != "alice" {
		t.Errorf("expected voters [alice], got %v", voters)
	}
}

func TestVoteOnOptionRetriesOnceOnConflict(t *testing.T) {
	decisionID := uuid.New()
	chatID := uuid.New()

	var patchCount, getCount atomic.Int32
	var secondBody updateBody
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PATCH /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			n := patchCount.Add(1)
			if n == 1 {
				writeAPIError(w, http.StatusConflict, "version conflict: decision was modified by another writer")
				return
			}
			if err := json.NewDecoder(r.Body).Decode(&secondBody); err != nil {
				writeAPIError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DecisionRecord{ID: decisionID, ChatID: chatID, Value: secondBody.Value, Version: 8},
			})
		},
		"GET /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			getCount.Add(1)
			// Someone else voted in the meantime and the version moved on.
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DecisionRecord{ID: decisionID, ChatID: chatID, Value: pollValue("bob"), Version: 7},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	snapshot := DecisionRecord{ID: decisionID, ChatID: chatID, Value: pollValue(), Version: 1}
	record, err := client.VoteOnOption(context.Background(), snapshot, "opt-a", "alice")
	if err != nil {
		t.Fatalf("VoteOnOption failed: %v", err)
	}
	if patchCount.Load() != 2 {
		t.Errorf("expected 2 update attempts, got %d", patchCount.Load())
	}
	if getCount.Load() != 1 {
		t.Errorf("expected 1 refetch, got %d", getCount.Load())
	}
	if record.Version != 8 {
		t.Errorf("expected version 8, got %d", record.Version)
	}

	// The retry must be recomputed against the refetched value, keeping
	// bob's concurrent vote, and guarded by the fresh version.
	if secondBody.ExpectedVersion == nil || *secondBody.ExpectedVersion != 7 {
		t.Errorf("expected retry guarded by version 7, got %v", secondBody.ExpectedVersion)
	}
	voters := secondBody.Value.Options[0].Voters
	if len(voters) != 2 || voters[0] != "bob" || voters[1] != "alice" {
		t.Errorf("expected voters [bob alice] after recompute, got %v", voters)
	}
}

func TestVoteOnOptionStaleWrite(t *testing.T) {
	decisionID := uuid.New()
	chatID := uuid.New()

	var patchCount atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PATCH /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			patchCount.Add(1)
			writeAPIError(w, http.StatusConflict, "version conflict: decision was modified by another writer")
		},
		"GET /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DecisionRecord{ID: decisionID, ChatID: chatID, Value: pollValue(), Version: 9},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	snapshot := DecisionRecord{ID: decisionID, ChatID: chatID, Value: pollValue(), Version: 1}
	_, err := client.VoteOnOption(context.Background(), snapshot, "opt-a", "alice")
	if err == nil {
		t.Fatal("expected error after two conflicts, got nil")
	}
	if !errors.Is(err, ErrStaleWrite) {
		t.Errorf("expected ErrStaleWrite, got %v", err)
	}
	if patchCount.Load() != 2 {
		t.Errorf("expected exactly 2 update attempts, got %d", patchCount.Load())
	}
}

func TestVoteOnOptionLockedNotRetried(t *testing.T) {
	decisionID := uuid.New()
	chatID := uuid.New()

	var patchCount, getCount atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PATCH /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			patchCount.Add(1)
			writeAPIError(w, http.StatusLocked, "decision is locked")
		},
		"GET /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			getCount.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{"data": DecisionRecord{ID: decisionID}})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	snapshot := DecisionRecord{ID: decisionID, ChatID: chatID, Value: pollValue(), Version: 1}
	_, err := client.VoteOnOption(context.Background(), snapshot, "opt-a", "alice")
	if !IsLocked(err) {
		t.Fatalf("expected locked error, got %v", err)
	}
	if patchCount.Load() != 1 {
		t.Errorf("locked decisions must not be retried, got %d attempts", patchCount.Load())
	}
	if getCount.Load() != 0 {
		t.Errorf("locked decisions must not trigger a refetch, got %d", getCount.Load())
	}
}

func TestChangeStageRecordsWinner(t *testing.T) {
	decisionID := uuid.New()
	chatID := uuid.New()

	var receivedBody updateBody
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PATCH /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			if err := json.NewDecoder(r.Body).Decode(&receivedBody); err != nil {
				writeAPIError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DecisionRecord{ID: decisionID, ChatID: chatID, Value: receivedBody.Value, Version: 4},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	snapshot := DecisionRecord{ID: decisionID, ChatID: chatID, Value: pollValue("alice"), Version: 3}
	record, err := client.ChangeStage(context.Background(), snapshot, StageResolved, "opt-a")
	if err != nil {
		t.Fatalf("ChangeStage failed: %v", err)
	}
	if record.Value.Stage != StageResolved {
		t.Errorf("expected stage resolved, got %q", record.Value.Stage)
	}
	if receivedBody.Value.ResolvedOptionID == nil || *receivedBody.Value.ResolvedOptionID != "opt-a" {
		t.Errorf("expected resolvedOptionId 'opt-a', got %v", receivedBody.Value.ResolvedOptionID)
	}
	if receivedBody.Reason != "stage changed to resolved" {
		t.Errorf("unexpected reason %q", receivedBody.Reason)
	}
}

func TestHistory(t *testing.T) {
	decisionID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/decisions/" + decisionID.String() + "/history": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"versions": []DecisionVersion{
						{DecisionID: decisionID, VersionNumber: 1, Reason: "created"},
						{DecisionID: decisionID, VersionNumber: 2, Reason: "vote toggled"},
					},
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	versions, err := client.History(context.Background(), decisionID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].VersionNumber != 1 || versions[1].VersionNumber != 2 {
		t.Errorf("expected versions in ascending order, got %d then %d",
			versions[0].VersionNumber, versions[1].VersionNumber)
	}
}

func TestRaiseAndResolveConflict(t *testing.T) {
	decisionID := uuid.New()
	conflictID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/decisions/" + decisionID.String() + "/conflicts": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				writeAPIError(w, http.StatusBadRequest, err.Error())
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": DecisionConflict{
					ID:           conflictID,
					DecisionID:   decisionID,
					ConflictType: body["conflictType"],
					Description:  body["description"],
					Status:       "open",
				},
			})
		},
		"POST /v1/decisions/" + decisionID.String() + "/conflicts/" + conflictID.String() + "/resolve": func(w http.ResponseWriter, r *http.Request) {
			resolution := "seen and discussed"
			writeJSON(w, http.StatusOK, map[string]any{
				"data": DecisionConflict{
					ID:         conflictID,
					DecisionID: decisionID,
					Status:     "resolved",
					Resolution: &resolution,
				},
			})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	conflict, err := client.RaiseConflict(context.Background(), decisionID, "disagreement", "bob objects to the premise")
	if err != nil {
		t.Fatalf("RaiseConflict failed: %v", err)
	}
	if conflict.Status != "open" {
		t.Errorf("expected status 'open', got %q", conflict.Status)
	}
	if conflict.ConflictType != "disagreement" {
		t.Errorf("expected conflictType 'disagreement', got %q", conflict.ConflictType)
	}

	resolved, err := client.ResolveConflict(context.Background(), decisionID, conflictID, "seen and discussed")
	if err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if resolved.Status != "resolved" {
		t.Errorf("expected status 'resolved', got %q", resolved.Status)
	}
}

func TestTokenRefreshOnExpiry(t *testing.T) {
	decisionID := uuid.New()
	var authCount atomic.Int32

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			authCount.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token": "short-lived-token",
					// Already inside the refresh margin.
					"expiresAt": time.Now().Add(1 * time.Second).Format(time.RFC3339),
				},
			})
		},
		"GET /v1/decisions/" + decisionID.String(): func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": DecisionRecord{ID: decisionID}})
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	for range 2 {
		if _, err := client.GetDecision(context.Background(), decisionID); err != nil {
			t.Fatalf("GetDecision failed: %v", err)
		}
	}
	if authCount.Load() != 2 {
		t.Errorf("expected a token refresh per request inside the margin, got %d auth calls", authCount.Load())
	}
}

func TestHealthNoAuth(t *testing.T) {
	var authCalled atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
		authCalled.Store(true)
		writeAPIError(w, http.StatusUnauthorized, "bad credentials")
	})
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"data": HealthResponse{
				Status:   "healthy",
				Version:  "v0.1.0",
				Postgres: "connected",
				Uptime:   3600,
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	// Intentionally bad credentials to prove health needs no auth.
	client := NewClient(Config{
		BaseURL:  srv.URL,
		Email:    "bad@example.com",
		Password: "bad",
		Timeout:  5 * time.Second,
	})

	health, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got %q", health.Status)
	}
	if health.Uptime != 3600 {
		t.Errorf("expected uptime 3600, got %d", health.Uptime)
	}
	if authCalled.Load() {
		t.Error("Health endpoint should not trigger auth token request")
	}
}

func TestAuthFailureSurfacesUnauthorized(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			writeAPIError(w, http.StatusUnauthorized, "bad credentials")
		},
	})
	defer srv.Close()

	client := newTestClient(t, srv.URL)
	_, err := client.GetDecision(context.Background(), uuid.New())
	if !IsUnauthorized(err) {
		t.Fatalf("expected unauthorized error, got %v", err)
	}
}
