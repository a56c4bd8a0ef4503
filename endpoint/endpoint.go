// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/zeebo/blake3"

	"github.com/groundlink/uplink/lib/secret"
)

// Credentials authenticate against a server with HTTP basic auth.
type Credentials struct {
	Username string

	// Password is nil for username-only servers.
	Password *secret.Buffer
}

// Close releases the password buffer.
func (c *Credentials) Close() error {
	if c == nil || c.Password == nil {
		return nil
	}
	return c.Password.Close()
}

// Config identifies one server and the instance to select on it.
// Config is a value; copies share the same Credentials.
type Config struct {
	// Name is the display name used in logs and operator prompts.
	Name string

	Host     string
	Port     int
	Instance string
	TLS      bool

	Credentials *Credentials
}

// Validate checks that the endpoint can be dialed.
func (c Config) Validate() error {
	var errs []error
	if c.Host == "" {
		errs = append(errs, errors.New("endpoint host is empty"))
	}
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("endpoint port %d out of range", c.Port))
	}
	return errors.Join(errs...)
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// BaseURL returns the root URL for request/response calls.
func (c Config) BaseURL() *url.URL {
	scheme := "http"
	if c.TLS {
		scheme = "https"
	}
	return &url.URL{Scheme: scheme, Host: c.Address()}
}

// StreamURL returns the WebSocket URL for the streaming channel of
// the given instance.
func (c Config) StreamURL(instance string) *url.URL {
	scheme := "ws"
	if c.TLS {
		scheme = "wss"
	}
	return &url.URL{
		Scheme: scheme,
		Host:   c.Address(),
		Path:   "/api/websocket/" + instance,
	}
}

// String returns the display name, or host:port/instance when unnamed.
func (c Config) String() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Instance == "" {
		return c.Address()
	}
	return c.Address() + "/" + c.Instance
}

// Fingerprint is a digest of everything that distinguishes one
// connection target from another, credentials included. It lets two
// Configs be compared and logged without exposing the password.
func (c Config) Fingerprint() string {
	hasher := blake3.New()
	writeField := func(data []byte) {
		var length [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(length[:], uint64(len(data)))
		hasher.Write(length[:n])
		hasher.Write(data)
	}
	writeField([]byte(c.Host))
	writeField([]byte(strconv.Itoa(c.Port)))
	writeField([]byte(c.Instance))
	writeField([]byte(strconv.FormatBool(c.TLS)))
	if c.Credentials != nil {
		writeField([]byte(c.Credentials.Username))
		if c.Credentials.Password != nil && c.Credentials.Password.Len() > 0 {
			writeField(c.Credentials.Password.Bytes())
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)[:16])
}

// Same reports whether c and other target the same server, instance,
// and identity. The display name is ignored.
func (c Config) Same(other Config) bool {
	return c.Fingerprint() == other.Fingerprint()
}

// Mode selects one of the two configured endpoints.
type Mode int

const (
	Primary Mode = iota
	Failover
)

// Other returns the opposite mode.
func (m Mode) Other() Mode {
	if m == Primary {
		return Failover
	}
	return Primary
}

func (m Mode) String() string {
	switch m {
	case Primary:
		return "primary"
	case Failover:
		return "failover"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Title is the capitalized form used in operator-facing text.
func (m Mode) Title() string {
	switch m {
	case Primary:
		return "Primary"
	case Failover:
		return "Failover"
	default:
		return m.String()
	}
}

// ParseMode accepts "primary" or "failover".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "primary":
		return Primary, nil
	case "failover":
		return Failover, nil
	}
	return Primary, fmt.Errorf("unknown mode %q (want primary or failover)", s)
}

// Pair holds the primary endpoint and an optional failover.
type Pair struct {
	Primary  Config
	Failover *Config
}

// HasFailover reports whether a failover endpoint is configured.
func (p Pair) HasFailover() bool { return p.Failover != nil }

// For returns the endpoint for mode. Without a failover endpoint,
// every mode resolves to the primary.
func (p Pair) For(mode Mode) Config {
	if mode == Failover && p.Failover != nil {
		return *p.Failover
	}
	return p.Primary
}

// Close releases both endpoints' credentials.
func (p Pair) Close() error {
	err := p.Primary.Credentials.Close()
	if p.Failover != nil && p.Failover.Credentials != p.Primary.Credentials {
		err = errors.Join(err, p.Failover.Credentials.Close())
	}
	return err
}
