package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ehsanking/cipher-relay/internal/crypto"
	"github.com/ehsanking/cipher-relay/internal/logger"
	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"

	DefaultLocalListen  = "127.0.0.1:9527"
	DefaultRemoteListen = "127.0.0.1:9528"
	DefaultKey          = "at-proxy"
	DefaultPath         = "/tunnel"
)

// Duration is a time.Duration written as a string such as "20s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Tunnel describes the carrier between the two agents.
type Tunnel struct {
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`
	// Path is the websocket upgrade path.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
	TLS  bool   `json:"tls,omitempty" yaml:"tls,omitempty"`
	Key  string `json:"key" yaml:"key"`
	// Cipher is one of crypto.MethodAES256GCM or crypto.MethodChaCha20Poly1305.
	Cipher string `json:"cipher,omitempty" yaml:"cipher,omitempty"`
}

// LocalConfig configures the agent that serves SOCKS5 and HTTP clients.
type LocalConfig struct {
	Listen string `json:"listen" yaml:"listen"`
	Remote string `json:"remote" yaml:"remote"`
	Tunnel `json:",inline" yaml:",inline"`

	ConnectTimeout Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	// AcceptRate limits new client connections per second per client IP;
	// zero disables the limit.
	AcceptRate  float64 `json:"accept_rate,omitempty" yaml:"accept_rate,omitempty"`
	AcceptBurst int     `json:"accept_burst,omitempty" yaml:"accept_burst,omitempty"`

	AdminAddr string `json:"admin_addr,omitempty" yaml:"admin_addr,omitempty"`
	AdminUser string `json:"admin_user,omitempty" yaml:"admin_user,omitempty"`
	AdminPass string `json:"admin_pass,omitempty" yaml:"admin_pass,omitempty"`

	Log logger.Config `json:"log,omitempty" yaml:"log,omitempty"`
}

// RemoteConfig configures the agent that dials targets.
type RemoteConfig struct {
	Listen string `json:"listen" yaml:"listen"`
	Tunnel `json:",inline" yaml:",inline"`

	ConnectTimeout Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	// Resolver is a DNS server (host:port) used for target names instead of
	// the system resolver.
	Resolver string `json:"resolver,omitempty" yaml:"resolver,omitempty"`
	// MaxPendingDials bounds concurrent target dials.
	MaxPendingDials int64 `json:"max_pending_dials,omitempty" yaml:"max_pending_dials,omitempty"`

	Log logger.Config `json:"log,omitempty" yaml:"log,omitempty"`
}

func defaultTunnel() Tunnel {
	return Tunnel{
		Transport: TransportWebSocket,
		Path:      DefaultPath,
		Key:       DefaultKey,
		Cipher:    crypto.MethodAES256GCM,
	}
}

func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		Listen:         DefaultLocalListen,
		Remote:         DefaultRemoteListen,
		Tunnel:         defaultTunnel(),
		ConnectTimeout: Duration(30 * time.Second),
		AcceptBurst:    10,
	}
}

func DefaultRemoteConfig() *RemoteConfig {
	return &RemoteConfig{
		Listen:          DefaultRemoteListen,
		Tunnel:          defaultTunnel(),
		ConnectTimeout:  Duration(20 * time.Second),
		MaxPendingDials: 256,
	}
}

// LoadLocal returns the defaults overlaid with the file at path, if any.
func LoadLocal(path string) (*LocalConfig, error) {
	cfg := DefaultLocalConfig()
	if path != "" {
		if err := Load(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadRemote returns the defaults overlaid with the file at path, if any.
func LoadRemote(path string) (*RemoteConfig, error) {
	cfg := DefaultRemoteConfig()
	if path != "" {
		if err := Load(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load decodes the file at path into v, as YAML for .yaml/.yml files and as
// JSON otherwise.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if isYAML(path) {
		err = yaml.Unmarshal(data, v)
	} else {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Save writes v to path in the format chosen by its extension.
func Save(path string, v any) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(v)
	} else {
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (t *Tunnel) validate() error {
	switch t.Transport {
	case TransportWebSocket, TransportTCP:
	default:
		return fmt.Errorf("unknown transport %q", t.Transport)
	}
	if t.Key == "" {
		return errors.New("key must not be empty")
	}
	switch t.Cipher {
	case crypto.MethodAES256GCM, crypto.MethodChaCha20Poly1305:
	default:
		return fmt.Errorf("unknown cipher %q", t.Cipher)
	}
	if t.Transport == TransportWebSocket && !strings.HasPrefix(t.Path, "/") {
		return fmt.Errorf("websocket path %q must start with /", t.Path)
	}
	return nil
}

// URL returns the carrier address the local agent dials.
func (c *LocalConfig) URL() string {
	if c.Transport == TransportTCP {
		return c.Remote
	}
	scheme := "ws"
	if c.TLS {
		scheme = "wss"
	}
	return scheme + "://" + c.Remote + c.Path
}

func (c *LocalConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Remote); err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	if c.AcceptRate < 0 {
		return errors.New("accept_rate must not be negative")
	}
	return c.Tunnel.validate()
}

func (c *RemoteConfig) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if c.Resolver != "" {
		if _, _, err := net.SplitHostPort(c.Resolver); err != nil {
			return fmt.Errorf("resolver: %w", err)
		}
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	if c.MaxPendingDials <= 0 {
		return errors.New("max_pending_dials must be positive")
	}
	return c.Tunnel.validate()
}
