// Package receiver is the long-lived HTTPS listener that ingests pushes from
// other peers. It authenticates the transport (mutual TLS, identity = client
// certificate common name), verifies the body signature over the exact raw
// bytes received, and persists the push and its events idempotently.
package receiver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"federator/internal/config"
	"federator/internal/fedclient"
	"federator/internal/ledger"
)

type Receiver struct {
	host    string
	port    int
	store   ledger.Store
	signing config.Signing
	hmacKey []byte
	selfTLS config.TLS
	allowed map[string]bool
	log     *zap.Logger

	srv *http.Server
}

// New builds a receiver from the node config. The signing key resolves here:
// signing enabled without a resolvable secret aborts startup rather than
// failing per request. A listen port <= 0 yields a valid, disabled receiver
// (send-only node).
func New(cfg *config.Config, store ledger.Store, logger *zap.Logger) (*Receiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	key, err := cfg.ResolveSigningKey(os.Getenv)
	if err != nil {
		return nil, err
	}
	allowed := map[string]bool{}
	for _, id := range cfg.OtherPeerIDs() {
		allowed[id] = true
	}
	r := &Receiver{
		host:    cfg.Listen.Host,
		port:    cfg.Listen.Port,
		store:   store,
		signing: cfg.Signing,
		selfTLS: cfg.SelfPeer().TLS,
		allowed: allowed,
		log:     logger,
	}
	if cfg.Signing.Enabled {
		r.hmacKey = []byte(key)
	}
	return r, nil
}

// Enabled reports whether the receiver will open a socket.
func (rc *Receiver) Enabled() bool { return rc.port > 0 }

// Handler returns the request router: POST /events/push, everything else 404.
func (rc *Receiver) Handler() http.Handler {
	router := chi.NewRouter()
	router.Post("/events/push", rc.handlePush)
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		sendText(w, http.StatusNotFound, "not found")
	})
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		sendText(w, http.StatusNotFound, "not found")
	})
	return router
}

// requireClientCert reports whether mutual TLS identity is enforced: any
// verify mode other than disabled demands a client certificate.
func (rc *Receiver) requireClientCert() bool {
	return rc.selfTLS.Verify.Enabled
}

// Start opens the TLS listener and serves until Shutdown. Returns
// immediately for a disabled receiver.
func (rc *Receiver) Start() error {
	if !rc.Enabled() {
		rc.log.Info("receiver disabled", zap.Int("listen_port", rc.port))
		return nil
	}
	tlsCfg, err := rc.serverTLSConfig()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(rc.host, strconv.Itoa(rc.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	rc.srv = &http.Server{
		Handler:           rc.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}
	rc.log.Info("receiver listening",
		zap.String("addr", addr),
		zap.Bool("mtls", rc.requireClientCert()),
		zap.Bool("signing", rc.signing.Enabled))
	go func() {
		if err := rc.srv.ServeTLS(ln, rc.selfTLS.Cert, rc.selfTLS.Key); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rc.log.Error("receiver stopped", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops the listener, waiting for in-flight requests.
func (rc *Receiver) Shutdown(ctx context.Context) error {
	if rc.srv == nil {
		return nil
	}
	return rc.srv.Shutdown(ctx)
}

func (rc *Receiver) serverTLSConfig() (*tls.Config, error) {
	if rc.selfTLS.Cert == "" || rc.selfTLS.Key == "" {
		return nil, fmt.Errorf("receiver requires tls.client_cert and tls.client_key on the self peer")
	}
	if _, err := os.Stat(rc.selfTLS.Cert); err != nil {
		return nil, fmt.Errorf("server cert: %w", err)
	}
	if _, err := os.Stat(rc.selfTLS.Key); err != nil {
		return nil, fmt.Errorf("server key: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if rc.requireClientCert() {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		if ca := rc.selfTLS.Verify.CAPath; ca != "" {
			pem, err := os.ReadFile(ca)
			if err != nil {
				return nil, fmt.Errorf("read client CA bundle: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("no certificates parsed from %s", ca)
			}
			tlsCfg.ClientCAs = pool
		} else {
			pool, err := x509.SystemCertPool()
			if err != nil {
				return nil, fmt.Errorf("system cert pool: %w", err)
			}
			tlsCfg.ClientCAs = pool
		}
	}
	return tlsCfg, nil
}

// peerCN extracts the authenticated client certificate common name, empty
// when the connection carried no verified client certificate.
func peerCN(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	return r.TLS.PeerCertificates[0].Subject.CommonName
}

func (rc *Receiver) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		sendText(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	var fromPeer *string
	if rc.requireClientCert() {
		cn := peerCN(r)
		if cn == "" {
			rc.log.Warn("rejected push: client certificate required", zap.String("remote", r.RemoteAddr))
			sendText(w, http.StatusUnauthorized, "client certificate required")
			return
		}
		if !rc.allowed[cn] {
			rc.log.Warn("rejected push: unknown peer", zap.String("cn", cn), zap.String("remote", r.RemoteAddr))
			sendText(w, http.StatusForbidden, "unknown peer CN: "+cn)
			return
		}
		fromPeer = &cn
	}

	if rc.signing.Enabled {
		sig := r.Header.Get(fedclient.HeaderSignature)
		alg := strings.ToLower(r.Header.Get(fedclient.HeaderSignatureAlg))
		if alg != fedclient.SignatureAlg {
			sendText(w, http.StatusUnauthorized, "bad signature alg")
			return
		}
		// Verified over the raw wire bytes: re-serialization is not
		// guaranteed byte-identical across implementations.
		if !fedclient.VerifySignature(rc.hmacKey, raw, sig) {
			rc.log.Warn("rejected push: bad signature", zap.String("remote", r.RemoteAddr))
			sendText(w, http.StatusUnauthorized, "bad signature")
			return
		}
	}

	obj := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			sendText(w, http.StatusInternalServerError, "error: "+err.Error())
			return
		}
	}
	var rawEvents []any
	if v, ok := obj["events"]; ok && v != nil {
		list, ok := v.([]any)
		if !ok {
			sendText(w, http.StatusBadRequest, "events must be a list")
			return
		}
		rawEvents = list
	}
	events := make([]map[string]any, 0, len(rawEvents))
	for _, ev := range rawEvents {
		if m, ok := ev.(map[string]any); ok {
			events = append(events, m)
		}
	}

	remoteAddr := remoteHost(r)
	ctx := r.Context()
	if _, err := rc.store.AddInboxPush(ctx, fromPeer, remoteAddr, len(raw), len(rawEvents), obj); err != nil {
		rc.log.Error("store push", zap.Error(err))
		sendText(w, http.StatusInternalServerError, "error: "+err.Error())
		return
	}
	inserted, err := rc.store.AddInboxEvents(ctx, events, fromPeer)
	if err != nil {
		rc.log.Error("store events", zap.Error(err))
		sendText(w, http.StatusInternalServerError, "error: "+err.Error())
		return
	}

	from := "<unauthenticated>"
	if fromPeer != nil {
		from = *fromPeer
	}
	rc.log.Info("stored inbound push",
		zap.Int("bytes", len(raw)),
		zap.Int("events", len(rawEvents)),
		zap.Int("new", inserted),
		zap.String("from", from))
	sendText(w, http.StatusOK, "ok")
}

func remoteHost(r *http.Request) *string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr == "" {
			return nil
		}
		host = r.RemoteAddr
	}
	return &host
}

func sendText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(body))
}
