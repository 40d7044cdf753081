package httpapi

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"clubfund.org/internal/addr"
	"clubfund.org/internal/authn"
	"clubfund.org/internal/escrow"
	"clubfund.org/internal/factory"
	"clubfund.org/internal/permit"
	"clubfund.org/internal/stream"
)

type testEnv struct {
	t      *testing.T
	client *http.Client
	base   string

	api     *API
	auth    *authn.Service
	manager *escrow.Manager
	factory *factory.Factory

	ownerPriv ed25519.PrivateKey
	owner     addr.Address
	self      addr.Address
	distrib   addr.Address

	mu  sync.Mutex
	now time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	e := &testEnv{
		t:         t,
		ownerPriv: priv,
		owner:     addr.FromPublicKey(pub),
		now:       time.Unix(1_700_000_000, 0),
	}
	e.self = mustParse(t, "0x00000000000000000000000000000000000000e5")
	e.distrib = mustParse(t, "0x00000000000000000000000000000000000000d1")
	admin := mustParse(t, "0x00000000000000000000000000000000000000ad")
	treasury := mustParse(t, "0x000000000000000000000000000000000000007e")

	clock := func() time.Time {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.now
	}

	bus := stream.New(64)
	e.factory = factory.New(mustParse(t, "0x00000000000000000000000000000000000000f1"), bus)
	permits := permit.NewAuthorizer(e.factory).WithClock(clock)
	e.manager = escrow.NewManager(escrow.Config{
		Self:        e.self,
		Admin:       admin,
		Treasury:    treasury,
		Distributor: e.distrib,
		Tokens:      e.factory,
		Permits:     permits,
		Bus:         bus,
		Now:         clock,
	})

	e.auth, err = authn.New("test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	e.api = New(ReadyProbe{}, "test", e.factory, e.manager, bus, e.auth, nil)
	e.api.rateBurst = 1000
	e.api.ratePerSec = 1000

	srv := httptest.NewServer(e.api.Handler())
	t.Cleanup(srv.Close)
	e.client = srv.Client()
	e.base = srv.URL
	return e
}

func mustParse(t *testing.T, s string) addr.Address {
	t.Helper()
	a, err := addr.Parse(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
}

func (e *testEnv) unix() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now.Unix()
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *http.Response {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.base+path, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) decode(resp *http.Response, dst any) {
	e.t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		e.t.Fatalf("decode response: %v", err)
	}
}

func (e *testEnv) adminToken() string {
	e.t.Helper()
	tok, err := e.auth.Issue("admin", authn.RoleAdmin, "")
	if err != nil {
		e.t.Fatal(err)
	}
	return "Bearer " + tok
}

func (e *testEnv) distributorToken() string {
	e.t.Helper()
	tok, err := e.auth.Issue("ops", authn.RoleDistributor, e.distrib.String())
	if err != nil {
		e.t.Fatal(err)
	}
	return "Bearer " + tok
}

func (e *testEnv) deployToken() addr.Address {
	e.t.Helper()
	tokenAddr, err := e.factory.Deploy(context.Background(), e.owner, "Test Token", "TST")
	if err != nil {
		e.t.Fatal(err)
	}
	return tokenAddr
}

func (e *testEnv) permitFor(tokenAddr addr.Address, amount uint64, deadline int64, nonce uint64) permit.Permit {
	return permit.Sign(e.ownerPriv, tokenAddr, e.self, amount, deadline, nonce)
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(http.MethodGet, "/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	e.decode(resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestDeployTokenRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(http.MethodPost, "/v1/tokens", deployTokenRequest{
		Owner: e.owner.String(), Name: "Test Token", Symbol: "TST",
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestDeployTokenAndAddressLookup(t *testing.T) {
	e := newTestEnv(t)

	resp := e.do(http.MethodPost, "/v1/tokens", deployTokenRequest{
		Owner: e.owner.String(), Name: "Test Token", Symbol: "TST",
	}, map[string]string{"Authorization": e.adminToken()})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	var created map[string]string
	e.decode(resp, &created)

	resp = e.do(http.MethodGet, "/v1/tokens/"+e.owner.String(), nil, nil)
	var lookup map[string]any
	e.decode(resp, &lookup)
	if lookup["address"] != created["token"] {
		t.Fatalf("precomputed address %v != deployed %v", lookup["address"], created["token"])
	}
	if lookup["deployed"] != true {
		t.Fatalf("deployed flag missing: %v", lookup)
	}

	// Duplicate deploy conflicts.
	resp = e.do(http.MethodPost, "/v1/tokens", deployTokenRequest{
		Owner: e.owner.String(), Name: "Again", Symbol: "AGN",
	}, map[string]string{"Authorization": e.adminToken()})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate deploy status = %d, want 409", resp.StatusCode)
	}
}

func TestCreateActivityWithPermitAndGet(t *testing.T) {
	e := newTestEnv(t)
	tokenAddr := e.deployToken()

	p := e.permitFor(tokenAddr, 1_000_000, e.unix()+3600, 0)
	resp := e.do(http.MethodPost, "/v1/activities", createActivityRequest{
		Owner:     e.owner.String(),
		Token:     tokenAddr.String(),
		StartTime: e.unix(),
		EndTime:   e.unix() + 36000,
		Permit:    &p,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var act escrow.Activity
	e.decode(resp, &act)
	if act.ID != 1 || act.TotalAmount != 1_000_000 {
		t.Fatalf("unexpected activity: %+v", act)
	}

	resp = e.do(http.MethodGet, "/v1/activities/1", nil, nil)
	var got escrow.Activity
	e.decode(resp, &got)
	if got.TotalAmount != 1_000_000 || got.Resolved {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
}

func TestCreateActivityInvalidWindow(t *testing.T) {
	e := newTestEnv(t)
	tokenAddr := e.deployToken()

	resp := e.do(http.MethodPost, "/v1/activities", createActivityRequest{
		Owner:     e.owner.String(),
		Token:     tokenAddr.String(),
		StartTime: e.unix() + 100,
		EndTime:   e.unix() + 100,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetUnknownActivity(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(http.MethodGet, "/v1/activities/99", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDistributeFlow(t *testing.T) {
	e := newTestEnv(t)
	tokenAddr := e.deployToken()

	p := e.permitFor(tokenAddr, 1_000_000, e.unix()+3600, 0)
	resp := e.do(http.MethodPost, "/v1/activities", createActivityRequest{
		Owner:     e.owner.String(),
		Token:     tokenAddr.String(),
		StartTime: e.unix(),
		EndTime:   e.unix() + 3600,
		Permit:    &p,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	// Unauthenticated distribute is rejected.
	resp = e.do(http.MethodPost, "/v1/activities/1/distribute", distributeRequest{Amount: 500_000}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	// Window still open: 409.
	resp = e.do(http.MethodPost, "/v1/activities/1/distribute", distributeRequest{Amount: 500_000},
		map[string]string{"Authorization": e.distributorToken()})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("open-window status = %d, want 409", resp.StatusCode)
	}

	e.advance(3601 * time.Second)
	resp = e.do(http.MethodPost, "/v1/activities/1/distribute", distributeRequest{Amount: 500_000},
		map[string]string{"Authorization": e.distributorToken()})
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("distribute status = %d: %s", resp.StatusCode, body)
	}
	var out map[string]any
	e.decode(resp, &out)
	if out["fee_amount"].(float64) != 1500 || out["distributed_amount"].(float64) != 498500 {
		t.Fatalf("unexpected split: %v", out)
	}

	// Second distribute conflicts.
	resp = e.do(http.MethodPost, "/v1/activities/1/distribute", distributeRequest{Amount: 500_000},
		map[string]string{"Authorization": e.distributorToken()})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second distribute status = %d, want 409", resp.StatusCode)
	}
}

func TestRefundFlow(t *testing.T) {
	e := newTestEnv(t)
	tokenAddr := e.deployToken()

	p := e.permitFor(tokenAddr, 1_000_000, e.unix()+3600, 0)
	resp := e.do(http.MethodPost, "/v1/activities", createActivityRequest{
		Owner:     e.owner.String(),
		Token:     tokenAddr.String(),
		StartTime: e.unix(),
		EndTime:   e.unix() + 3600,
		Permit:    &p,
	}, nil)
	resp.Body.Close()

	resp = e.do(http.MethodPost, "/v1/activities/1/refund", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("early refund status = %d, want 409", resp.StatusCode)
	}

	e.advance(3600*time.Second + escrow.DefaultGracePeriod + time.Second)
	resp = e.do(http.MethodPost, "/v1/activities/1/refund", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund status = %d", resp.StatusCode)
	}
	var out map[string]any
	e.decode(resp, &out)
	if out["refunded_amount"].(float64) != 1_000_000 {
		t.Fatalf("refunded = %v, want 1000000", out["refunded_amount"])
	}
}

func TestActivityStats(t *testing.T) {
	e := newTestEnv(t)
	tokenAddr := e.deployToken()

	for i := 0; i < 2; i++ {
		resp := e.do(http.MethodPost, "/v1/activities", createActivityRequest{
			Owner:     e.owner.String(),
			Token:     tokenAddr.String(),
			StartTime: e.unix(),
			EndTime:   e.unix() + 3600,
		}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %d: status %d", i, resp.StatusCode)
		}
	}

	resp := e.do(http.MethodGet, "/v1/activities?owner="+e.owner.String(), nil, nil)
	var stats map[string]any
	e.decode(resp, &stats)
	if stats["total_supply"].(float64) != 2 || stats["owner_balance"].(float64) != 2 {
		t.Fatalf("stats = %v", stats)
	}
}

func TestActivityURI(t *testing.T) {
	e := newTestEnv(t)
	tokenAddr := e.deployToken()

	resp := e.do(http.MethodPost, "/v1/activities", createActivityRequest{
		Owner:     e.owner.String(),
		Token:     tokenAddr.String(),
		StartTime: e.unix(),
		EndTime:   e.unix() + 3600,
	}, nil)
	resp.Body.Close()

	resp = e.do(http.MethodGet, "/v1/activities/1/uri", nil, nil)
	var out map[string]any
	e.decode(resp, &out)
	uri, _ := out["uri"].(string)
	want := escrow.DefaultBaseURI + e.self.String() + "/1"
	if uri != want {
		t.Fatalf("uri = %q, want %q", uri, want)
	}
}

func TestEventsReplay(t *testing.T) {
	e := newTestEnv(t)
	tokenAddr := e.deployToken()

	resp := e.do(http.MethodPost, "/v1/activities", createActivityRequest{
		Owner:     e.owner.String(),
		Token:     tokenAddr.String(),
		StartTime: e.unix(),
		EndTime:   e.unix() + 3600,
	}, nil)
	resp.Body.Close()

	// A pre-cancelled context makes the SSE handler return right after the
	// replay, so the recorder holds exactly the retained window.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	e.api.handleEvents(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.Bytes()
	if !bytes.Contains(body, []byte(`"type":"deploy"`)) {
		t.Fatalf("replay missing deploy event: %s", body)
	}
	if !bytes.Contains(body, []byte(`"type":"create"`)) {
		t.Fatalf("replay missing create event: %s", body)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(http.MethodDelete, "/v1/activities/1", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, http.MethodGet) {
		t.Fatalf("Allow header = %q", allow)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	e := newTestEnv(t)
	resp := e.do(http.MethodGet, "/healthz", nil, map[string]string{"X-Request-Id": "req-42"})
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-Id"); got != "req-42" {
		t.Fatalf("request id = %q, want req-42", got)
	}
}

func TestDepositAfterApprovalOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	tokenAddr := e.deployToken()

	resp := e.do(http.MethodPost, "/v1/activities", createActivityRequest{
		Owner:     e.owner.String(),
		Token:     tokenAddr.String(),
		StartTime: e.unix(),
		EndTime:   e.unix() + 3600,
	}, nil)
	resp.Body.Close()

	ledger, err := e.factory.Token(tokenAddr)
	if err != nil {
		t.Fatal(err)
	}
	if err := ledger.Approve(context.Background(), e.owner, e.self, 2_000_000); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 2; i++ {
		resp = e.do(http.MethodPost, "/v1/activities/1/deposit", depositRequest{
			Depositor: e.owner.String(),
			Amount:    1_000_000,
		}, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("deposit %d status = %d", i, resp.StatusCode)
		}
		var out map[string]any
		e.decode(resp, &out)
		if out["total_amount"].(float64) != float64(i)*1_000_000 {
			t.Fatalf("total after deposit %d = %v", i, out["total_amount"])
		}
	}

	// Window closes: further deposits conflict.
	e.advance(3601 * time.Second)
	resp = e.do(http.MethodPost, "/v1/activities/1/deposit", depositRequest{
		Depositor: e.owner.String(),
		Amount:    1_000_000,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("closed-window deposit status = %d, want 409", resp.StatusCode)
	}
}

func TestUnknownIDPathIsNotFound(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/v1/activities/abc", "/v1/activities/0", "/v1/activities/1/unknown-action"} {
		resp := e.do(http.MethodGet, path, nil, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s: status = %d, want 404", path, resp.StatusCode)
		}
	}
}
