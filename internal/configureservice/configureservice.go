// Package configureservice implements the engine-level parameter
// registry (spec §4.9): a typed key/value store for plugin_server,
// http_proxy, ftp_proxy, https_proxy, locale and NAT, persisted through a
// JSON file keyed on parameter name. Design note §9 calls for replacing
// the source's dynamic dispatch-by-name with an explicit table keyed by
// parameter id; that table is `params` below, and each entry holds the
// parameter's validator and zero value.
package configureservice

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"unicode"

	"github.com/proformatique/provd/internal/apierr"
)

// param bundles a parameter's validator with its zero value.
type param struct {
	validate func(value string) error
	zero     string
}

var params = map[string]param{
	"plugin_server": {validate: validateURLWithSchemeAndHost},
	"http_proxy":    {validate: validateURLWithSchemeAndHost},
	"ftp_proxy":     {validate: validateURLWithSchemeAndHost},
	"https_proxy":   {validate: validateHTTPSProxy},
	"locale":        {validate: validateASCII},
	"NAT":           {validate: validateNAT, zero: "0"},
}

func validateURLWithSchemeAndHost(value string) error {
	if value == "" {
		return fmt.Errorf("must not be empty")
	}
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("not a valid URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must have both scheme and host")
	}
	return nil
}

// validateHTTPSProxy enforces the spec's deliberately asymmetric rule:
// non-empty, but must NOT have both scheme and host — i.e. it is
// expressed in host:port form, not as a full URL.
func validateHTTPSProxy(value string) error {
	if value == "" {
		return fmt.Errorf("must not be empty")
	}
	if u, err := url.Parse(value); err == nil && u.Scheme != "" && u.Host != "" {
		return fmt.Errorf("must be host:port form, not a full URL")
	}
	return nil
}

func validateASCII(value string) error {
	for _, r := range value {
		if r > unicode.MaxASCII {
			return fmt.Errorf("must be ASCII only")
		}
	}
	return nil
}

func validateNAT(value string) error {
	if value != "0" && value != "1" {
		return fmt.Errorf("must be 0 or 1")
	}
	return nil
}

// Persister loads and saves the parameter table to a flat JSON file
// (spec §6's "configure service is a flat JSON file").
type Persister struct {
	mu   sync.RWMutex
	path string
	data map[string]string
}

// NewPersister loads path if it exists, otherwise starts empty.
func NewPersister(path string) (*Persister, error) {
	p := &Persister{path: path, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, apierr.IOError(fmt.Errorf("read %s: %w", path, err))
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.data); err != nil {
			return nil, apierr.IOError(fmt.Errorf("decode %s: %w", path, err))
		}
	}
	return p, nil
}

func (p *Persister) persistLocked() error {
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		return apierr.Internal(err)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apierr.IOError(err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return apierr.IOError(err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return apierr.IOError(err)
	}
	tmp.Close()
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		os.Remove(tmp.Name())
		return apierr.IOError(err)
	}
	return nil
}

// Service is the configure-service facade: Get/Set validated against the
// `params` table, persisted through Persister.
type Service struct {
	persister *Persister
}

// New builds a Service over persister.
func New(persister *Persister) *Service {
	return &Service{persister: persister}
}

// Get returns key's current value. Unknown keys yield apierr "unknown key".
func (s *Service) Get(key string) (string, error) {
	if _, ok := params[key]; !ok {
		return "", apierr.New(apierr.CodeInvalidParameter, fmt.Sprintf("unknown key %q", key))
	}
	s.persister.mu.RLock()
	defer s.persister.mu.RUnlock()
	if v, ok := s.persister.data[key]; ok {
		return v, nil
	}
	return params[key].zero, nil
}

// Set validates and persists a value for key. Unknown keys yield
// apierr "unknown key"; invalid values yield apierr "invalid parameter".
func (s *Service) Set(key, value string) error {
	p, ok := params[key]
	if !ok {
		return apierr.New(apierr.CodeInvalidParameter, fmt.Sprintf("unknown key %q", key))
	}
	if err := p.validate(value); err != nil {
		return apierr.InvalidParameter(key, err.Error())
	}
	s.persister.mu.Lock()
	defer s.persister.mu.Unlock()
	prev, existed := s.persister.data[key]
	s.persister.data[key] = value
	if err := s.persister.persistLocked(); err != nil {
		if existed {
			s.persister.data[key] = prev
		} else {
			delete(s.persister.data, key)
		}
		return err
	}
	return nil
}

// Keys returns every recognized parameter name.
func Keys() []string {
	out := make([]string, 0, len(params))
	for k := range params {
		out = append(out, k)
	}
	return out
}
