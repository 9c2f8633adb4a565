// Package secure seals sensitive string fields before they are written to
// disk and opens them again on read.
//
// A sealed value is an envelope string ("companion-sec:" followed by a
// base64 JSON document) so sealed and plaintext values can share the same
// JSON documents. Values are protected with the platform facility when one
// is available (DPAPI on Windows) and otherwise with AES-256-GCM under a
// key derived from a per-scope master key file created on first use.
package secure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUndecryptable is returned by OpenStrict when a value carries the
// envelope prefix but cannot be decoded or decrypted.
var ErrUndecryptable = errors.New("secure: value could not be decrypted")

const (
	defaultProbeTimeout   = 1500 * time.Millisecond
	defaultProtectTimeout = 2 * time.Second
)

// Store seals and opens values for one or more scopes. A scope is the root
// directory that owns the fallback master key. Store is safe for
// concurrent use.
type Store struct {
	platform     Provider
	probeTimeout time.Duration
	logger       *slog.Logger

	probeOnce  sync.Once
	platformOK bool

	mu   sync.Mutex
	keys map[string][]byte
}

// Option configures a Store.
type Option func(*Store)

// WithPlatform overrides the platform provider. Passing nil disables
// platform sealing entirely.
func WithPlatform(p Provider) Option {
	return func(s *Store) { s.platform = p }
}

// WithProbeTimeout bounds the one-time platform capability probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// WithLogger sets the logger used for probe results.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store using the platform provider for the current OS.
func New(opts ...Option) *Store {
	s := &Store{
		probeTimeout: defaultProbeTimeout,
		logger:       slog.Default(),
		keys:         make(map[string][]byte),
	}
	s.platform = defaultPlatform(defaultProtectTimeout)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Algorithm reports which algorithm Seal will use for new values.
func (s *Store) Algorithm(ctx context.Context) Algorithm {
	if s.platformAvailable(ctx) {
		return AlgorithmPlatformDPAPI
	}
	return AlgorithmAESGCM
}

func (s *Store) platformAvailable(ctx context.Context) bool {
	if s.platform == nil {
		return false
	}
	s.probeOnce.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		defer cancel()
		s.platformOK = s.platform.Available(probeCtx)
		s.logger.Debug("platform secret provider probed", "available", s.platformOK)
	})
	return s.platformOK
}

// Seal returns the envelope string for plaintext. The empty string is
// returned unchanged. If the platform provider fails, the value is sealed
// with the AES-GCM fallback instead.
func (s *Store) Seal(ctx context.Context, scope, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	if s.platformAvailable(ctx) {
		payload, err := s.platform.Protect(ctx, plaintext)
		if err == nil && payload != "" {
			return encodeEnvelope(Envelope{
				Version:   envelopeVersion,
				Algorithm: AlgorithmPlatformDPAPI,
				Payload:   payload,
			})
		}
		s.logger.Debug("platform seal failed, using fallback", "error", err)
	}

	key, err := s.fieldKey(scope, true)
	if err != nil {
		return "", err
	}
	env, err := sealAESGCM(key, plaintext)
	if err != nil {
		return "", err
	}
	return encodeEnvelope(env)
}

// Open returns the plaintext for raw. Values without the envelope prefix
// are returned as-is. Envelopes that fail to decode or decrypt are also
// returned as-is, so callers show ciphertext rather than fail. Callers that
// must distinguish that case use OpenStrict.
func (s *Store) Open(ctx context.Context, scope, raw string) string {
	plain, err := s.OpenStrict(ctx, scope, raw)
	if err != nil {
		return raw
	}
	return plain
}

// OpenStrict is Open with decrypt failures reported as ErrUndecryptable.
func (s *Store) OpenStrict(ctx context.Context, scope, raw string) (string, error) {
	if !IsSealed(raw) {
		return raw, nil
	}
	env, ok := decodeEnvelope(raw)
	if !ok {
		return "", fmt.Errorf("%w: malformed envelope", ErrUndecryptable)
	}

	switch env.Algorithm {
	case AlgorithmPlatformDPAPI:
		if s.platform == nil {
			return "", fmt.Errorf("%w: no platform provider", ErrUndecryptable)
		}
		plain, err := s.platform.Unprotect(ctx, env.Payload)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
		}
		return plain, nil
	default:
		key, err := s.fieldKey(scope, false)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
		}
		plain, err := openAESGCM(key, env)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUndecryptable, err)
		}
		return plain, nil
	}
}

func (s *Store) fieldKey(scope string, create bool) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key, ok := s.keys[scope]; ok {
		return key, nil
	}
	master, err := loadMasterKey(scope, create)
	if err != nil {
		return nil, err
	}
	key, err := deriveFieldKey(master)
	if err != nil {
		return nil, err
	}
	s.keys[scope] = key
	return key, nil
}
