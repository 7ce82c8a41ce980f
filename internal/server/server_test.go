package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"federator/internal/config"
	"federator/internal/db"
	"federator/internal/engine"
	"federator/internal/fedclient"
	"federator/internal/ledger"
	"federator/internal/migrate"
)

type testServer struct {
	URL    string
	Store  ledger.Store
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "fed.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := ledger.Store{DB: conn}
	yml := `
self:
  peer_id: a
peers:
  - id: a
    url: https://a.invalid
  - id: b
    url: https://b.invalid
tls_defaults:
  verify: false
signing:
  enabled: false
`
	cfg, err := config.FromYAML([]byte(yml), "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	client, err := fedclient.New(cfg, nil)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	eng := engine.New(cfg, store, client, nil, nil)
	handler, err := New(Config{Engine: eng, Store: store, Peers: cfg, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Store:  store,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
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

func TestCreateAndInspectJob(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"text":    "Hello world",
		"source":  "gotest",
		"label":   "demo",
		"targets": []string{"b"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var created CreateJobResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if created.JobID == "" {
		t.Fatal("empty job id")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list jobs status %d: %s", res.StatusCode, string(data))
	}
	var jobs JobListResponse
	if err := json.Unmarshal(data, &jobs); err != nil {
		t.Fatalf("unmarshal jobs: %v", err)
	}
	if len(jobs.Items) != 1 || jobs.Items[0].JobID != created.JobID {
		t.Fatalf("unexpected job list: %+v", jobs.Items)
	}
	if len(jobs.Items[0].Targets) != 1 || jobs.Items[0].Targets[0] != "b" {
		t.Fatalf("unexpected targets: %+v", jobs.Items[0].Targets)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/"+created.JobID+"/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("job events status %d: %s", res.StatusCode, string(data))
	}
	var evs JobEventsResponse
	if err := json.Unmarshal(data, &evs); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(evs.Events) != 1 || evs.Events[0].EventType != "DocumentAdded" {
		t.Fatalf("unexpected events: %+v", evs.Events)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/"+created.JobID+"/deliveries", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deliveries status %d: %s", res.StatusCode, string(data))
	}
	var dels DeliveryListResponse
	if err := json.Unmarshal(data, &dels); err != nil {
		t.Fatalf("unmarshal deliveries: %v", err)
	}
	if len(dels.Items) != 1 || dels.Items[0].Status != "PENDING" {
		t.Fatalf("unexpected deliveries: %+v", dels.Items)
	}
}

func TestCreateJobValidation(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"source":  "gotest",
		"targets": []string{"b"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing text status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"text":    "Hello",
		"source":  "gotest",
		"targets": []string{"nobody"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown target status %d: %s", res.StatusCode, string(data))
	}
}

func TestJobNotFound(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	for _, p := range []string{"/v0/jobs/missing/events", "/v0/jobs/missing/deliveries"} {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+p, nil, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status %d: %s", p, res.StatusCode, string(data))
		}
	}
}

func TestSendJobRecordsFailure(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"text":    "Hello world",
		"source":  "gotest",
		"targets": []string{"b"},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	var created CreateJobResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}

	// Peer b's URL does not resolve; the push must fail and be recorded.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs/"+created.JobID+"/send", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("send status %d: %s", res.StatusCode, string(data))
	}
	var sent SendResponse
	if err := json.Unmarshal(data, &sent); err != nil {
		t.Fatalf("unmarshal send: %v", err)
	}
	if len(sent.Outcomes) != 1 || sent.Outcomes[0].OK || sent.Outcomes[0].Attempts != 1 {
		t.Fatalf("unexpected outcomes: %+v", sent.Outcomes)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/"+created.JobID+"/deliveries", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deliveries status %d: %s", res.StatusCode, string(data))
	}
	var dels DeliveryListResponse
	if err := json.Unmarshal(data, &dels); err != nil {
		t.Fatalf("unmarshal deliveries: %v", err)
	}
	if dels.Items[0].Status != "FAILED" || dels.Items[0].LastError == nil {
		t.Fatalf("failure not recorded: %+v", dels.Items[0])
	}
}

func TestInboxEndpoints(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()
	ctx := context.Background()

	from := "b"
	events := []map[string]any{{
		"event_id":   "ev-1",
		"event_type": "DocumentAdded",
		"payload":    map[string]any{"doc_id": "d1", "text": "hi"},
	}}
	pushID, err := srv.Store.AddInboxPush(ctx, &from, nil, 42, 1, map[string]any{"events": events})
	if err != nil {
		t.Fatalf("seed push: %v", err)
	}
	if _, err := srv.Store.AddInboxEvents(ctx, events, &from); err != nil {
		t.Fatalf("seed events: %v", err)
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/inbox/pushes", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pushes status %d: %s", res.StatusCode, string(data))
	}
	var pushes InboxPushListResponse
	if err := json.Unmarshal(data, &pushes); err != nil {
		t.Fatalf("unmarshal pushes: %v", err)
	}
	if len(pushes.Items) != 1 || pushes.Items[0].PushID != pushID || pushes.Items[0].EventsCount != 1 {
		t.Fatalf("unexpected pushes: %+v", pushes.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/inbox/pushes/"+pushID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("push body status %d: %s", res.StatusCode, string(data))
	}
	var raw RawBodyResponse
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal push body: %v", err)
	}
	var stored map[string]any
	if err := json.Unmarshal([]byte(raw.JSON), &stored); err != nil {
		t.Fatalf("stored body not JSON: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/inbox/events", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("inbox events status %d: %s", res.StatusCode, string(data))
	}
	var inbox InboxEventListResponse
	if err := json.Unmarshal(data, &inbox); err != nil {
		t.Fatalf("unmarshal inbox events: %v", err)
	}
	if len(inbox.Items) != 1 || inbox.Items[0].EventID != "ev-1" {
		t.Fatalf("unexpected inbox events: %+v", inbox.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/inbox/events/ev-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("event payload status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/inbox/events/ev-missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing event status %d: %s", res.StatusCode, string(data))
	}
}

func TestListPeers(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/peers", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("peers status %d: %s", res.StatusCode, string(data))
	}
	var peers PeerListResponse
	if err := json.Unmarshal(data, &peers); err != nil {
		t.Fatalf("unmarshal peers: %v", err)
	}
	if peers.Self != "a" || len(peers.Items) != 2 {
		t.Fatalf("unexpected roster: %+v", peers)
	}
	for _, p := range peers.Items {
		if p.PeerID == "a" && !p.IsSelf {
			t.Fatalf("self peer not flagged: %+v", p)
		}
	}
}

func signedToken(t *testing.T, secret, subject string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func TestBearerAuth(t *testing.T) {
	secret := "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})
	client := srv.Client()

	// Health stays open.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{
		"Authorization": "Bearer " + signedToken(t, "wrong-secret", "op"),
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{
		"Authorization": "Bearer " + signedToken(t, secret, ""),
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("subjectless token status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{
		"Authorization": "Bearer " + signedToken(t, secret, "op"),
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token status %d: %s", res.StatusCode, string(data))
	}
}
