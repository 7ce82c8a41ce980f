// Package config models federator.yml: the peer roster, this node's
// identity, signing policy, and the receiver/admin listen settings.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// FallbackKeyEnv is consulted for the HMAC secret when signing.key_env is
// unset or the named variable is empty.
const FallbackKeyEnv = "FEDERATOR_HMAC_KEY"

// Verify is a TLS verification mode: disabled, system trust roots, or an
// explicit CA bundle path. In YAML it is either a bool or a string.
type Verify struct {
	Enabled bool
	CAPath  string
}

func (v *Verify) UnmarshalYAML(node *yaml.Node) error {
	var b bool
	if err := node.Decode(&b); err == nil {
		*v = Verify{Enabled: b}
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("tls.verify must be a bool or a CA bundle path")
	}
	*v = Verify{Enabled: true, CAPath: s}
	return nil
}

func (v Verify) MarshalYAML() (any, error) {
	if v.CAPath != "" {
		return v.CAPath, nil
	}
	return v.Enabled, nil
}

// TLS holds per-peer transport policy. For the self peer, Cert/Key are the
// receiver's server identity; for remote peers they are the client pair
// presented during mutual TLS.
type TLS struct {
	Verify   Verify  `yaml:"verify"`
	TimeoutS float64 `yaml:"timeout_s"`
	Cert     string  `yaml:"client_cert"`
	Key      string  `yaml:"client_key"`
}

// tlsPatch is the YAML shape of a peer tls block: every field optional so
// unset fields inherit tls_defaults rather than zero values.
type tlsPatch struct {
	Verify   *Verify  `yaml:"verify"`
	TimeoutS *float64 `yaml:"timeout_s"`
	Cert     *string  `yaml:"client_cert"`
	Key      *string  `yaml:"client_key"`
}

func (p *tlsPatch) merge(defaults TLS) TLS {
	out := defaults
	if p == nil {
		return out
	}
	if p.Verify != nil {
		out.Verify = *p.Verify
	}
	if p.TimeoutS != nil {
		out.TimeoutS = *p.TimeoutS
	}
	if p.Cert != nil {
		out.Cert = *p.Cert
	}
	if p.Key != nil {
		out.Key = *p.Key
	}
	return out
}

type Peer struct {
	PeerID string    `yaml:"id"`
	Name   string    `yaml:"name"`
	URL    string    `yaml:"url"`
	TLSRaw *tlsPatch `yaml:"tls"`
	TLS    TLS       `yaml:"-"`
}

type Signing struct {
	Enabled bool   `yaml:"enabled"`
	KeyEnv  string `yaml:"key_env"`
	Alg     string `yaml:"alg"`
}

type Listen struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Admin struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"-"`
}

type Summarizer struct {
	URL           string  `yaml:"url"`
	ModelID       string  `yaml:"model_id"`
	PromptVersion string  `yaml:"prompt_version"`
	TimeoutS      float64 `yaml:"timeout_s"`
}

type Config struct {
	Self struct {
		PeerID string `yaml:"peer_id"`
	} `yaml:"self"`
	Peers       []Peer     `yaml:"peers"`
	TLSDefaults TLS        `yaml:"tls_defaults"`
	Signing     Signing    `yaml:"signing"`
	Listen      Listen     `yaml:"listen"`
	Admin       Admin      `yaml:"admin"`
	Summarizer  Summarizer `yaml:"summarizer"`
}

// Load reads, merges, and validates the config file. selfPeerID, when
// non-empty, overrides self.peer_id (CLI > env > YAML).
func Load(path, selfPeerID string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data, selfPeerID)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte, selfPeerID string) (*Config, error) {
	cfg := &Config{}
	cfg.TLSDefaults = TLS{Verify: Verify{Enabled: true}, TimeoutS: 5.0}
	cfg.Signing.Alg = "sha256"
	cfg.Listen.Host = "127.0.0.1"
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if selfPeerID != "" {
		cfg.Self.PeerID = selfPeerID
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Signing.Alg == "" {
		c.Signing.Alg = "sha256"
	}
	c.Signing.Alg = strings.ToLower(c.Signing.Alg)
	if c.TLSDefaults.TimeoutS <= 0 {
		c.TLSDefaults.TimeoutS = 5.0
	}
	if c.Listen.Host == "" {
		c.Listen.Host = "127.0.0.1"
	}
	if c.Admin.BasePath == "" {
		c.Admin.BasePath = "/v0"
	}
	if c.Summarizer.TimeoutS <= 0 {
		c.Summarizer.TimeoutS = 60.0
	}
	for i := range c.Peers {
		p := &c.Peers[i]
		if p.Name == "" {
			p.Name = p.PeerID
		}
		p.URL = strings.TrimRight(p.URL, "/")
		p.TLS = p.TLSRaw.merge(c.TLSDefaults)
		if p.TLS.TimeoutS <= 0 {
			p.TLS.TimeoutS = 5.0
		}
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("config must contain a non-empty peers list")
	}
	seen := map[string]bool{}
	for i, p := range c.Peers {
		if p.PeerID == "" {
			return fmt.Errorf("peers[%d].id is required", i)
		}
		if seen[p.PeerID] {
			return fmt.Errorf("duplicate peer id: %s", p.PeerID)
		}
		seen[p.PeerID] = true
		if p.URL == "" {
			return fmt.Errorf("peers[%d].url is required", i)
		}
	}
	if c.Self.PeerID == "" {
		return fmt.Errorf("self peer id not set; provide --peer-id, FEDERATOR_PEER_ID, or self.peer_id")
	}
	if !seen[c.Self.PeerID] {
		return fmt.Errorf("self peer id %q not found in peers list", c.Self.PeerID)
	}
	if c.Signing.Enabled && c.Signing.Alg != "sha256" {
		return fmt.Errorf("unsupported signing alg: %s", c.Signing.Alg)
	}
	return nil
}

// SelfPeer returns this node's entry from the roster.
func (c *Config) SelfPeer() Peer {
	for _, p := range c.Peers {
		if p.PeerID == c.Self.PeerID {
			return p
		}
	}
	return Peer{}
}

// OtherPeerIDs returns every roster id except self; this is the receiver's
// client-certificate allow-list.
func (c *Config) OtherPeerIDs() []string {
	var ids []string
	for _, p := range c.Peers {
		if p.PeerID != c.Self.PeerID {
			ids = append(ids, p.PeerID)
		}
	}
	return ids
}

// PeerByID looks up a roster entry.
func (c *Config) PeerByID(id string) (Peer, bool) {
	for _, p := range c.Peers {
		if p.PeerID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// ResolveSigningKey resolves the shared HMAC secret: the configured env name
// first, then FallbackKeyEnv. Returns an error when signing is enabled and no
// key resolves; callers treat that as fatal at construction time.
func (c *Config) ResolveSigningKey(getenv func(string) string) (string, error) {
	if !c.Signing.Enabled {
		return "", nil
	}
	if getenv == nil {
		getenv = os.Getenv
	}
	if c.Signing.KeyEnv != "" {
		if key := getenv(c.Signing.KeyEnv); key != "" {
			return key, nil
		}
	}
	if key := getenv(FallbackKeyEnv); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("signing enabled but no key found: set signing.key_env and export that variable, or export %s", FallbackKeyEnv)
}
