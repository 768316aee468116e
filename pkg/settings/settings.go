// Package settings supplies remote connection settings that may change while
// the process runs. Callers read them on every use rather than caching.
package settings

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/3leaps/parsekit/pkg/envelope"
)

// Viper keys read by the viper-backed provider.
const (
	KeyBaseURL       = "remote.base_url"
	KeyPublicKey     = "remote.public_key"
	KeyPublicKeyPath = "remote.public_key_path"
)

var (
	// ErrBaseURLNotConfigured indicates the remote base URL is empty.
	ErrBaseURLNotConfigured = errors.New("remote base url is not configured")

	// ErrPublicKeyNotConfigured indicates neither an inline key nor a key path is set.
	ErrPublicKeyNotConfigured = errors.New("remote public key is not configured")
)

// Provider returns the current remote settings.
type Provider interface {
	BaseURL(ctx context.Context) (string, error)
	PublicKey(ctx context.Context) (*rsa.PublicKey, error)
}

// Static is a fixed Provider. It is used in tests and one-shot commands.
type Static struct {
	URL string
	Key *rsa.PublicKey
}

func (s Static) BaseURL(context.Context) (string, error) {
	return normalizeBaseURL(s.URL)
}

func (s Static) PublicKey(context.Context) (*rsa.PublicKey, error) {
	if s.Key == nil {
		return nil, ErrPublicKeyNotConfigured
	}
	return s.Key, nil
}

// Viper reads settings from a viper instance on every call. Combined with
// viper.WatchConfig, edits to the config file take effect without restart.
type Viper struct {
	v *viper.Viper

	mu       sync.Mutex
	lastRaw  []byte
	lastKey  *rsa.PublicKey
	readFile func(string) ([]byte, error)
}

// NewViper returns a provider backed by v. A nil v uses the global viper.
func NewViper(v *viper.Viper) *Viper {
	if v == nil {
		v = viper.GetViper()
	}
	return &Viper{v: v, readFile: os.ReadFile}
}

func (p *Viper) BaseURL(context.Context) (string, error) {
	return normalizeBaseURL(p.v.GetString(KeyBaseURL))
}

// PublicKey parses the configured key. The inline key wins over the key
// path. The parsed key is reused while the raw material is unchanged.
func (p *Viper) PublicKey(context.Context) (*rsa.PublicKey, error) {
	raw, err := p.rawPublicKey()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.lastKey != nil && bytes.Equal(raw, p.lastRaw) {
		return p.lastKey, nil
	}

	key, err := envelope.ParsePublicKey(raw)
	if err != nil {
		return nil, err
	}
	p.lastRaw = raw
	p.lastKey = key
	return key, nil
}

func (p *Viper) rawPublicKey() ([]byte, error) {
	if inline := strings.TrimSpace(p.v.GetString(KeyPublicKey)); inline != "" {
		return []byte(inline), nil
	}

	path := strings.TrimSpace(p.v.GetString(KeyPublicKeyPath))
	if path == "" {
		return nil, ErrPublicKeyNotConfigured
	}
	data, err := p.readFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %s: %w", path, err)
	}
	return data, nil
}

func normalizeBaseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrBaseURLNotConfigured
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid remote base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("invalid remote base url %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid remote base url %q: host is required", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}
