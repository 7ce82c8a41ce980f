package fedclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"go.uber.org/zap"

	"federator/internal/config"
	"federator/internal/domain"
	"federator/internal/events"
)

func testConfig(t *testing.T, signingEnabled bool) *config.Config {
	t.Helper()
	yaml := `
self:
  peer_id: a
peers:
  - id: a
    url: https://a.example
  - id: b
    url: https://b.example
`
	cfg, err := config.FromYAML([]byte(yaml), "")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Signing.Enabled = signingEnabled
	return cfg
}

func TestNewRequiresKeyWhenSigning(t *testing.T) {
	cfg := testConfig(t, true)
	os.Unsetenv(config.FallbackKeyEnv)
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected construction to fail without a resolvable key")
	}

	t.Setenv(config.FallbackKeyEnv, "shared-secret")
	if _, err := New(cfg, nil); err != nil {
		t.Fatalf("construction with key: %v", err)
	}
}

func TestPushSignsCanonicalBody(t *testing.T) {
	cfg := testConfig(t, true)
	t.Setenv(config.FallbackKeyEnv, "shared-secret")
	client, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	var gotBody []byte
	var gotSig, gotAlg string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderSignature)
		gotAlg = r.Header.Get(HeaderSignatureAlg)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	peer := config.Peer{PeerID: "b", URL: srv.URL, TLS: config.TLS{TimeoutS: 2}}
	docID := events.DocumentID("Hello world", "gotest")
	res := client.Push(context.Background(), peer, []domain.Event{
		events.NewDocumentEvent("a", docID, "Hello world", "gotest"),
	})
	if !res.OK || res.HTTPStatus != 200 {
		t.Fatalf("push result: %+v", res)
	}
	if gotAlg != SignatureAlg {
		t.Fatalf("alg header %q", gotAlg)
	}
	if !VerifySignature([]byte("shared-secret"), gotBody, gotSig) {
		t.Fatal("signature does not verify over received bytes")
	}
	if VerifySignature([]byte("wrong-secret"), gotBody, gotSig) {
		t.Fatal("signature verified under the wrong key")
	}
	mutated := append([]byte{}, gotBody...)
	mutated[0] ^= 1
	if VerifySignature([]byte("shared-secret"), mutated, gotSig) {
		t.Fatal("signature verified over mutated body")
	}
	if !strings.HasPrefix(string(gotBody), `{"events":[`) {
		t.Fatalf("body shape: %s", gotBody)
	}
}

func TestPushNoSignatureHeadersWhenDisabled(t *testing.T) {
	cfg := testConfig(t, false)
	client, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderSignature) != "" || r.Header.Get(HeaderSignatureAlg) != "" {
			t.Error("signature headers present with signing disabled")
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	peer := config.Peer{PeerID: "b", URL: srv.URL, TLS: config.TLS{TimeoutS: 2}}
	if res := client.Push(context.Background(), peer, nil); !res.OK {
		t.Fatalf("push: %+v", res)
	}
}

func TestPushHTTPErrorBecomesFailure(t *testing.T) {
	cfg := testConfig(t, false)
	client, _ := New(cfg, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("unknown peer CN: a" + strings.Repeat("x", 400)))
	}))
	defer srv.Close()

	peer := config.Peer{PeerID: "b", URL: srv.URL, TLS: config.TLS{TimeoutS: 2}}
	res := client.Push(context.Background(), peer, nil)
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.HTTPStatus != http.StatusForbidden {
		t.Fatalf("status %d", res.HTTPStatus)
	}
	if len(res.Message) > 200 {
		t.Fatalf("message not truncated: %d bytes", len(res.Message))
	}
	if !strings.HasPrefix(res.Message, "unknown peer CN") {
		t.Fatalf("message %q", res.Message)
	}
}

func TestPushTransportErrorNoStatus(t *testing.T) {
	cfg := testConfig(t, false)
	client, _ := New(cfg, nil)

	// Nothing listens here.
	peer := config.Peer{PeerID: "b", URL: "http://127.0.0.1:1", TLS: config.TLS{TimeoutS: 1}}
	res := client.Push(context.Background(), peer, nil)
	if res.OK {
		t.Fatal("expected failure")
	}
	if res.HTTPStatus != 0 {
		t.Fatalf("transport failure should carry no HTTP status, got %d", res.HTTPStatus)
	}
	if res.Message == "" {
		t.Fatal("expected underlying error text")
	}
}

func TestPushInsecureVerifyAgainstTLSServer(t *testing.T) {
	cfg := testConfig(t, false)
	client, _ := New(cfg, nil)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	// verify disabled: self-signed server cert is accepted.
	peer := config.Peer{PeerID: "b", URL: srv.URL, TLS: config.TLS{TimeoutS: 2}}
	if res := client.Push(context.Background(), peer, nil); !res.OK {
		t.Fatalf("insecure push: %+v", res)
	}

	// verify enabled with system roots: self-signed cert is rejected below HTTP.
	verifying := config.Peer{PeerID: "b", URL: srv.URL, TLS: config.TLS{Verify: config.Verify{Enabled: true}, TimeoutS: 2}}
	res := client.Push(context.Background(), verifying, nil)
	if res.OK || res.HTTPStatus != 0 {
		t.Fatalf("expected TLS failure, got %+v", res)
	}
}
