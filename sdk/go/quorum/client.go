package quorum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Quorum server (e.g. "http://localhost:8080").
	BaseURL string

	// Email and Password are the credentials used to obtain a JWT token.
	Email    string
	Password string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Quorum decision API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.Email, cfg.Password, httpClient),
	}
}

// ListDecisions returns the decisions of a chat, newest first.
func (c *Client) ListDecisions(ctx context.Context, chatID uuid.UUID, limit, offset int) ([]DecisionRecord, error) {
	params := url.Values{}
	params.Set("chatId", chatID.String())
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}

	var resp struct {
		Decisions []DecisionRecord `json:"decisions"`
	}
	if err := c.get(ctx, "/v1/decisions?"+params.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp.Decisions, nil
}

// GetDecision fetches a single decision by id.
func (c *Client) GetDecision(ctx context.Context, id uuid.UUID) (*DecisionRecord, error) {
	var record DecisionRecord
	if err := c.get(ctx, "/v1/decisions/"+id.String(), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// CreateDecision creates a new decision at version 1.
func (c *Client) CreateDecision(ctx context.Context, req CreateDecisionRequest) (*DecisionRecord, error) {
	var record DecisionRecord
	if err := c.post(ctx, "/v1/decisions", req, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// updateBody is the wire format for PATCH /v1/decisions/{id}.
type updateBody struct {
	Value           DecisionValue `json:"value"`
	Reason          string        `json:"reason,omitempty"`
	ExpectedVersion *int64        `json:"expectedVersion,omitempty"`
}

// UpdateDecision replaces a decision's value. When expectedVersion is
// non-nil the server rejects the write with 409 if the stored version has
// moved past it; a nil expectedVersion applies unconditionally.
func (c *Client) UpdateDecision(ctx context.Context, id uuid.UUID, value DecisionValue, reason string, expectedVersion *int64) (*DecisionRecord, error) {
	var record DecisionRecord
	body := updateBody{Value: value, Reason: reason, ExpectedVersion: expectedVersion}
	if err := c.patch(ctx, "/v1/decisions/"+id.String(), body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// LockDecision locks a decision against further value updates.
func (c *Client) LockDecision(ctx context.Context, id uuid.UUID, reason string) (*DecisionRecord, error) {
	var record DecisionRecord
	body := map[string]string{"reason": reason}
	if err := c.post(ctx, "/v1/decisions/"+id.String()+"/lock", body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// UnlockDecision clears a decision's lock.
func (c *Client) UnlockDecision(ctx context.Context, id uuid.UUID) (*DecisionRecord, error) {
	var record DecisionRecord
	if err := c.post(ctx, "/v1/decisions/"+id.String()+"/unlock", struct{}{}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// History returns a decision's full version trail, oldest first.
func (c *Client) History(ctx context.Context, id uuid.UUID) ([]DecisionVersion, error) {
	var resp struct {
		Versions []DecisionVersion `json:"versions"`
	}
	if err := c.get(ctx, "/v1/decisions/"+id.String()+"/history", &resp); err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

// ListConflicts returns a decision's conflict records, open ones first.
func (c *Client) ListConflicts(ctx context.Context, id uuid.UUID) ([]DecisionConflict, error) {
	var resp struct {
		Conflicts []DecisionConflict `json:"conflicts"`
	}
	if err := c.get(ctx, "/v1/decisions/"+id.String()+"/conflicts", &resp); err != nil {
		return nil, err
	}
	return resp.Conflicts, nil
}

// RaiseConflict records a disagreement against a decision.
func (c *Client) RaiseConflict(ctx context.Context, id uuid.UUID, conflictType, description string) (*DecisionConflict, error) {
	var conflict DecisionConflict
	body := map[string]string{"conflictType": conflictType, "description": description}
	if err := c.post(ctx, "/v1/decisions/"+id.String()+"/conflicts", body, &conflict); err != nil {
		return nil, err
	}
	return &conflict, nil
}

// ResolveConflict closes an open conflict with a resolution note.
func (c *Client) ResolveConflict(ctx context.Context, decisionID, conflictID uuid.UUID, resolution string) (*DecisionConflict, error) {
	var conflict DecisionConflict
	body := map[string]string{"resolution": resolution}
	path := "/v1/decisions/" + decisionID.String() + "/conflicts/" + conflictID.String() + "/resolve"
	if err := c.post(ctx, path, body, &conflict); err != nil {
		return nil, err
	}
	return &conflict, nil
}

// CreateChat creates a conversation for decisions to live in.
func (c *Client) CreateChat(ctx context.Context, title string) (*Chat, error) {
	var chat Chat
	if err := c.post(ctx, "/v1/chats", map[string]string{"title": title}, &chat); err != nil {
		return nil, err
	}
	return &chat, nil
}

// ListChats returns known chats, newest first.
func (c *Client) ListChats(ctx context.Context, limit, offset int) ([]Chat, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
	path := "/v1/chats"
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp struct {
		Chats []Chat `json:"chats"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

// Health reports server health. No authentication required.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Conflict-aware mutations
// ---------------------------------------------------------------------------

// VoteOnOption toggles userID's vote on an option, computed against the
// caller's snapshot of the decision and guarded by the snapshot's version.
//
// If the guarded write fails with 409, the decision is refetched, the
// toggle is recomputed against the fresh value, and the write is retried
// exactly once. A second 409 returns ErrStaleWrite. Any other failure
// (including 423 for a locked decision) is returned as-is and never
// retried.
func (c *Client) VoteOnOption(ctx context.Context, snapshot DecisionRecord, optionID, userID string) (*DecisionRecord, error) {
	return c.updateWithRetry(ctx, snapshot, "vote toggled", func(value DecisionValue) (DecisionValue, error) {
		return toggleVote(value, optionID, userID)
	})
}

// ChangeStage moves a decision to a new stage, guarded by the caller's
// snapshot version with the same refetch-and-retry-once policy as
// VoteOnOption. resolvedOptionID records the winning option when moving to
// StageResolved; pass "" to keep any previously recorded winner.
func (c *Client) ChangeStage(ctx context.Context, snapshot DecisionRecord, stage DecisionStage, resolvedOptionID string) (*DecisionRecord, error) {
	return c.updateWithRetry(ctx, snapshot, "stage changed to "+string(stage), func(value DecisionValue) (DecisionValue, error) {
		return applyStage(value, stage, resolvedOptionID), nil
	})
}

// updateWithRetry applies compute to the snapshot's value and writes it
// with the snapshot's version as the guard. On a version conflict it
// refetches, recomputes against the fresh value, and retries once.
func (c *Client) updateWithRetry(ctx context.Context, snapshot DecisionRecord, reason string, compute func(DecisionValue) (DecisionValue, error)) (*DecisionRecord, error) {
	next, err := compute(snapshot.Value)
	if err != nil {
		return nil, err
	}

	expected := snapshot.Version
	record, err := c.UpdateDecision(ctx, snapshot.ID, next, reason, &expected)
	if err == nil {
		return record, nil
	}
	if !IsConflict(err) {
		return nil, err
	}

	// Lost the race. Refetch, recompute against the fresh value, retry once.
	fresh, err := c.GetDecision(ctx, snapshot.ID)
	if err != nil {
		return nil, fmt.Errorf("quorum: refetch after conflict: %w", err)
	}
	next, err = compute(fresh.Value)
	if err != nil {
		return nil, err
	}

	expected = fresh.Version
	record, err = c.UpdateDecision(ctx, snapshot.ID, next, reason, &expected)
	if err == nil {
		return record, nil
	}
	if IsConflict(err) {
		return nil, fmt.Errorf("%w: decision %s", ErrStaleWrite, snapshot.ID)
	}
	return nil, err
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Success    bool            `json:"success"`
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPost, path, body, dest)
}

func (c *Client) patch(ctx context.Context, path string, body any, dest any) error {
	return c.send(ctx, http.MethodPatch, path, body, dest)
}

func (c *Client) send(ctx context.Context, method, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("quorum: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("quorum: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("quorum: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("quorum: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("quorum: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("quorum: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("quorum: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	// Unwrap the server's envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("quorum: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Message != "" {
		apiErr.Message = envelope.Message
	} else {
		apiErr.Message = string(body)
	}

	return apiErr
}
