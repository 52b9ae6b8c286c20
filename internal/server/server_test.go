package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"signoff/internal/app"
	"signoff/internal/committer"
	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/engine"
	"signoff/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, opts ...func(*Config)) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	signer, err := committer.NewSigner("")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(conn, config.Default(), signer)
	e.Logger = logger
	ctx := context.Background()
	if _, err := app.Bootstrap(ctx, e, "tester"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	for _, actor := range []string{"alice", "bob"} {
		if err := e.GrantRole(ctx, actor, "treasurer", "tester"); err != nil {
			t.Fatalf("grant %s: %v", actor, err)
		}
	}
	cfg := Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Logger:   logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, data)
	}
	return env.Error.Code
}

func createTxDraft(t *testing.T, srv *testServer, creator string, payload map[string]any) engine.DraftRef {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/drafts", map[string]any{
		"kind":    "tx_sign",
		"payload": payload,
	}, as(creator))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create draft status %d: %s", res.StatusCode, data)
	}
	var ref engine.DraftRef
	if err := json.Unmarshal(data, &ref); err != nil {
		t.Fatalf("unmarshal draft ref: %v", err)
	}
	return ref
}

func approve(blob string) map[string]any {
	// []byte fields travel as base64.
	return map[string]any{"approve": true, "authorization": []byte(blob)}
}

func TestHealthAndAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/drafts", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
		t.Fatalf("expected 401 unauthorized, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("expected invalid_credentials, got %d: %s", res.StatusCode, data)
	}

	token, err := SignToken(testSecret, "local-user", time.Hour)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, data)
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "local-user" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}
	if strings.Join(me.Roles, ",") != "admin,treasurer" {
		t.Fatalf("unexpected roles %v", me.Roles)
	}
}

func TestLegacyHeaderCanBeDisabled(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) { c.Auth.AllowLegacyActorHeader = false })
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, as("alice"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with legacy header disabled, got %d", res.StatusCode)
	}
}

func TestTxDraftVoteAndCommit(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	ref := createTxDraft(t, srv, "alice", map[string]any{"to": "acct-9", "amount": 5})
	if ref.RuleKey != "tx.default" || ref.Digest == "" {
		t.Fatalf("unexpected draft ref %+v", ref)
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+ref.ID+"/commit", nil, as("alice"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "not_ready" {
		t.Fatalf("expected not_ready, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+ref.ID+"/votes", approve("sig-bob"), as("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("vote status %d: %s", res.StatusCode, data)
	}
	var vote VoteResultResponse
	if err := json.Unmarshal(data, &vote); err != nil {
		t.Fatalf("unmarshal vote: %v", err)
	}
	if !vote.Ready || vote.Status != "APPROVED" || vote.Tally.Approvals != 1 {
		t.Fatalf("unexpected vote result %+v", vote)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+ref.ID+"/votes", approve("sig-bob-2"), as("bob"))
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "duplicate_vote" {
		t.Fatalf("expected duplicate_vote, got %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/drafts/"+ref.ID, nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get draft status %d: %s", res.StatusCode, data)
	}
	var detail DraftResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	if len(detail.Votes) != 1 || detail.Votes[0].VoterID != "bob" || !detail.Ready {
		t.Fatalf("unexpected draft detail %+v", detail)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+ref.ID+"/commit", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("commit status %d: %s", res.StatusCode, data)
	}
	var art ArtifactResponse
	if err := json.Unmarshal(data, &art); err != nil {
		t.Fatalf("unmarshal artifact: %v", err)
	}
	var cert committer.Certificate
	if err := json.Unmarshal(art.Certificate, &cert); err != nil {
		t.Fatalf("certificate is not JSON: %v", err)
	}
	if cert.Digest != art.Digest {
		t.Fatalf("certificate digest %s, artifact digest %s", cert.Digest, art.Digest)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/drafts/"+ref.ID, nil, as("alice"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("committed draft should be gone, got %d", res.StatusCode)
	}
}

func TestVoteRejectsBadRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ref := createTxDraft(t, srv, "alice", map[string]any{"amount": 1})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+ref.ID+"/votes", map[string]any{"approve": true}, as("bob"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("approval without authorization: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+ref.ID+"/votes", approve("x"), as("mallory"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "forbidden" {
		t.Fatalf("ineligible voter: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/missing/votes", approve("x"), as("bob"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown draft: %d %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts", map[string]any{
		"kind":    "tx_sign",
		"payload": []any{1, 2},
	}, as("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "invalid_payload" {
		t.Fatalf("array payload: %d %s", res.StatusCode, data)
	}
}

func TestRuleChangeCommitsOnApproval(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doc := `version: "1.1.0"
rules:
  - key: rules.update
    threshold: 1
    roles: [admin]
  - key: tx.small
    match: "tx.amount < 10"
    threshold: 1
    roles: [treasurer]
`
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts", map[string]any{
		"kind":    "rule_change",
		"payload": doc,
	}, as("local-user"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule draft: %d %s", res.StatusCode, data)
	}
	var ref engine.DraftRef
	if err := json.Unmarshal(data, &ref); err != nil {
		t.Fatalf("unmarshal ref: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts/"+ref.ID+"/votes", approve("admin-sig"), as("local-user"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("vote: %d %s", res.StatusCode, data)
	}
	var vote VoteResultResponse
	if err := json.Unmarshal(data, &vote); err != nil {
		t.Fatalf("unmarshal vote: %v", err)
	}
	if vote.Status != "APPROVED" || vote.Committed == nil {
		t.Fatalf("expected auto-commit, got %+v", vote)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rules", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rules: %d %s", res.StatusCode, data)
	}
	var rulesResp RulesResponse
	if err := json.Unmarshal(data, &rulesResp); err != nil {
		t.Fatalf("unmarshal rules: %v", err)
	}
	if rulesResp.Version != "1.1.0" || rulesResp.DraftID != ref.ID {
		t.Fatalf("unexpected rules %+v", rulesResp)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts", map[string]any{
		"kind":    "tx_sign",
		"payload": map[string]any{"amount": 50},
	}, as("alice"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "no_matching_rule" {
		t.Fatalf("unroutable transaction: %d %s", res.StatusCode, data)
	}
}

func TestCancelDraftCreatorOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ref := createTxDraft(t, srv, "alice", map[string]any{"amount": 3})

	res, data := doJSON(t, client, http.MethodDelete, srv.URL+"/v0/drafts/"+ref.ID, nil, as("bob"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("non-creator cancel: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/drafts/"+ref.ID, nil, as("alice"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("creator cancel: %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/drafts/"+ref.ID, nil, as("alice"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel of a missing draft should be a no-op, got %d", res.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/drafts", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, data)
	}
	var open []engine.DraftSummary
	if err := json.Unmarshal(data, &open); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected no open drafts, got %d", len(open))
	}
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for i := 0; i < 3; i++ {
		createTxDraft(t, srv, "alice", map[string]any{"amount": i})
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=draft.created&limit=2", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, data)
	}
	var latest paginatedEvents
	if err := json.Unmarshal(data, &latest); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(latest.Items) != 2 || latest.Items[0].ID < latest.Items[1].ID {
		t.Fatalf("expected two newest events, got %+v", latest.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?type=draft.created&limit=1&cursor=1", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events cursor: %d %s", res.StatusCode, data)
	}
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one item and a next cursor, got %+v", page)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?cursor=abc", nil, as("alice"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cursor: %d %s", res.StatusCode, data)
	}
}

func TestRateLimitPerActor(t *testing.T) {
	srv, cleanup := newTestServer(t, func(c *Config) { c.RateLimit = RateLimitConfig{PerSecond: 0.001, Burst: 1} })
	defer cleanup()
	client := srv.Client()
	body := map[string]any{"kind": "tx_sign", "payload": map[string]any{"amount": 1}}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts", body, as("alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first request: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts", body, as("alice"))
	if res.StatusCode != http.StatusTooManyRequests || errorCode(t, data) != "rate_limited" {
		t.Fatalf("second request: %d %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/drafts", body, as("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("other actor: %d %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/drafts", nil, as("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reads are not limited, got %d", res.StatusCode)
	}
}

func TestWebhookDeliversSignedEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	var got []webhookEvent
	var sigs []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		sigs = append(sigs, r.Header.Get("X-Signoff-Signature")+"|"+Signature("hook-secret", body))
		mu.Unlock()
	}))
	defer hook.Close()

	d := NewWebhookDispatcher(srv.Engine.Repo, []config.Webhook{{
		URL:    hook.URL,
		Secret: "hook-secret",
		Events: []string{"draft.created"},
	}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()
	d.DispatchAll(ctx)

	ref := createTxDraft(t, srv, "alice", map[string]any{"amount": 2})
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/drafts/"+ref.ID+"/votes", approve("b"), as("bob"))
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d", len(got))
	}
	if got[0].Type != "draft.created" || got[0].EntityID != ref.ID {
		t.Fatalf("unexpected event %+v", got[0])
	}
	parts := strings.SplitN(sigs[0], "|", 2)
	if parts[0] == "" || parts[0] != parts[1] {
		t.Fatalf("signature mismatch: %s", sigs[0])
	}
}
