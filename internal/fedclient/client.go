// Package fedclient pushes signed event batches to remote peers. A push
// never retries and never escapes as an error: every failure mode comes back
// as a Result the caller records on the delivery ledger.
package fedclient

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"federator/internal/canonical"
	"federator/internal/config"
	"federator/internal/domain"
)

// Headers carrying the body signature.
const (
	HeaderSignature    = "X-Signature"
	HeaderSignatureAlg = "X-Signature-Alg"
	SignatureAlg       = "hmac-sha256"
)

const maxErrorBody = 200

// Result is the outcome of one push attempt. HTTPStatus is zero when the
// failure happened below HTTP (DNS, dial, TLS, timeout).
type Result struct {
	OK         bool
	Message    string
	HTTPStatus int
}

type Client struct {
	signing config.Signing
	hmacKey []byte
	log     *zap.Logger
}

// New builds a client. When signing is enabled the secret must resolve at
// construction; a missing key is a configuration error, not a push failure.
func New(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	key, err := cfg.ResolveSigningKey(os.Getenv)
	if err != nil {
		return nil, err
	}
	c := &Client{signing: cfg.Signing, log: logger}
	if cfg.Signing.Enabled {
		c.hmacKey = []byte(key)
	}
	return c, nil
}

// Sign returns the hex HMAC-SHA256 of body under key.
func Sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sigHex is a valid signature of body under
// key, comparing in constant time.
func VerifySignature(key, body []byte, sigHex string) bool {
	want := Sign(key, body)
	return hmac.Equal([]byte(want), []byte(sigHex))
}

// CanonicalBody encodes the wire body {"events": events} canonically; any
// signature covers exactly these bytes.
func CanonicalBody(events []domain.Event) ([]byte, error) {
	if events == nil {
		events = []domain.Event{}
	}
	return canonical.Marshal(map[string]any{"events": events})
}

// Push sends events to one peer at peer.URL + "/events/push".
func (c *Client) Push(ctx context.Context, peer config.Peer, events []domain.Event) Result {
	url := peer.URL + "/events/push"

	body, err := CanonicalBody(events)
	if err != nil {
		return Result{Message: fmt.Sprintf("encode body: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signing.Enabled {
		req.Header.Set(HeaderSignature, Sign(c.hmacKey, body))
		req.Header.Set(HeaderSignatureAlg, SignatureAlg)
	}

	httpClient, err := httpClientFor(peer.TLS)
	if err != nil {
		return Result{Message: err.Error()}
	}

	c.log.Debug("pushing events",
		zap.String("peer", peer.PeerID),
		zap.String("url", url),
		zap.Int("events", len(events)),
		zap.Bool("signed", c.signing.Enabled))

	resp, err := httpClient.Do(req)
	if err != nil {
		c.log.Warn("push failed", zap.String("peer", peer.PeerID), zap.Error(err))
		return Result{Message: err.Error()}
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody+1))

	if resp.StatusCode >= 400 {
		msg := string(respBody)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		c.log.Warn("push rejected",
			zap.String("peer", peer.PeerID),
			zap.Int("status", resp.StatusCode),
			zap.String("message", msg))
		return Result{Message: msg, HTTPStatus: resp.StatusCode}
	}

	c.log.Info("push ok", zap.String("peer", peer.PeerID), zap.Int("status", resp.StatusCode))
	return Result{OK: true, Message: "ok", HTTPStatus: resp.StatusCode}
}

// httpClientFor builds a per-peer client honoring the peer's TLS policy:
// verify mode (system roots, CA bundle, or disabled), optional client
// certificate for mutual TLS, and the per-peer timeout.
func httpClientFor(policy config.TLS) (*http.Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if !policy.Verify.Enabled {
		tlsCfg.InsecureSkipVerify = true
	} else if policy.Verify.CAPath != "" {
		pem, err := os.ReadFile(policy.Verify.CAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", policy.Verify.CAPath)
		}
		tlsCfg.RootCAs = pool
	}

	if policy.Cert != "" && policy.Key != "" {
		cert, err := tls.LoadX509KeyPair(policy.Cert, policy.Key)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	timeout := time.Duration(policy.TimeoutS * float64(time.Second))
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}, nil
}
