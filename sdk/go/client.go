package signoffsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal signoff HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no token is set; servers accept it
	// only in development mode.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Tally struct {
	Approvals  int `json:"approvals"`
	Rejections int `json:"rejections"`
}

// DraftRef is returned when a draft is created.
type DraftRef struct {
	ID      string    `json:"id"`
	Kind    string    `json:"kind"`
	RuleKey string    `json:"rule_key"`
	Digest  string    `json:"payload_digest"`
	Expiry  time.Time `json:"expiry"`
}

type DraftSummary struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	CreatorID   string    `json:"creator_id"`
	RuleKey     string    `json:"rule_key"`
	Description string    `json:"payload_description"`
	Status      string    `json:"status"`
	Ready       bool      `json:"ready"`
	Tally       Tally     `json:"tally"`
	Threshold   int       `json:"threshold"`
	Expiry      time.Time `json:"expiry"`
}

type Vote struct {
	VoterID   string    `json:"voter_id"`
	Approve   bool      `json:"approve"`
	CreatedAt time.Time `json:"created_at"`
}

// Draft is the full draft view (partial).
type Draft struct {
	ID              string          `json:"id"`
	Kind            string          `json:"kind"`
	CreatorID       string          `json:"creator_id"`
	RuleKey         string          `json:"rule_key"`
	Payload         json.RawMessage `json:"payload"`
	PayloadDigest   string          `json:"payload_digest"`
	Status          string          `json:"status"`
	Expired         bool            `json:"expired"`
	Ready           bool            `json:"ready"`
	Tally           Tally           `json:"tally"`
	EvaluationError string          `json:"evaluation_error"`
	Votes           []Vote          `json:"votes"`
	Expiry          time.Time       `json:"expiry"`
}

type Artifact struct {
	ID          string          `json:"id"`
	DraftID     string          `json:"draft_id"`
	Kind        string          `json:"kind"`
	Digest      string          `json:"digest"`
	Certificate json.RawMessage `json:"certificate"`
	CommittedAt time.Time       `json:"committed_at"`
}

type VoteResult struct {
	DraftID   string    `json:"draft_id"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Tally     Tally     `json:"tally"`
	Threshold int       `json:"threshold"`
	Ready     bool      `json:"ready"`
	Committed *Artifact `json:"committed"`
}

type Rules struct {
	ID          string          `json:"id"`
	Version     string          `json:"version"`
	DraftID     string          `json:"draft_id"`
	Rules       json.RawMessage `json:"rules"`
	Certificate json.RawMessage `json:"certificate"`
	CommittedAt time.Time       `json:"committed_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the server's error code when the
// body carries the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Code == code
}

// CreateTransaction proposes a tx_sign draft. An empty ruleKey lets the
// server route the transaction.
func (c *Client) CreateTransaction(ctx context.Context, tx any, ruleKey string) (DraftRef, error) {
	body := map[string]any{"kind": "tx_sign", "payload": tx}
	if ruleKey != "" {
		body["rule_key"] = ruleKey
	}
	var resp DraftRef
	err := c.do(ctx, http.MethodPost, "drafts", body, &resp)
	return resp, err
}

// ProposeRules proposes a rule_change draft. doc is YAML or JSON text.
func (c *Client) ProposeRules(ctx context.Context, doc string) (DraftRef, error) {
	var resp DraftRef
	err := c.do(ctx, http.MethodPost, "drafts", map[string]any{"kind": "rule_change", "payload": doc}, &resp)
	return resp, err
}

func (c *Client) ListDrafts(ctx context.Context) ([]DraftSummary, error) {
	var resp []DraftSummary
	err := c.do(ctx, http.MethodGet, "drafts", nil, &resp)
	return resp, err
}

func (c *Client) GetDraft(ctx context.Context, id string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, "drafts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CancelDraft deletes a draft the caller created.
func (c *Client) CancelDraft(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "drafts/"+url.PathEscape(id), nil, nil)
}

// Approve records an approval carrying the enclave authorization.
func (c *Client) Approve(ctx context.Context, id string, authorization []byte) (VoteResult, error) {
	return c.vote(ctx, id, map[string]any{"approve": true, "authorization": authorization})
}

func (c *Client) Reject(ctx context.Context, id string) (VoteResult, error) {
	return c.vote(ctx, id, map[string]any{"approve": false})
}

func (c *Client) vote(ctx context.Context, id string, body map[string]any) (VoteResult, error) {
	var resp VoteResult
	err := c.do(ctx, http.MethodPost, "drafts/"+url.PathEscape(id)+"/votes", body, &resp)
	return resp, err
}

func (c *Client) Commit(ctx context.Context, id string) (Artifact, error) {
	var resp Artifact
	err := c.do(ctx, http.MethodPost, "drafts/"+url.PathEscape(id)+"/commit", nil, &resp)
	return resp, err
}

func (c *Client) Rules(ctx context.Context) (Rules, error) {
	var resp Rules
	err := c.do(ctx, http.MethodGet, "rules", nil, &resp)
	return resp, err
}

// EventsPage returns a page of events. With a cursor, events after it are
// returned oldest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
