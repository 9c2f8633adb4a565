package secure

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

// fakePlatform reverses the plaintext so sealed values are easy to tell
// apart from the input.
type fakePlatform struct {
	available  bool
	failSeal   bool
	probeCount atomic.Int32
}

func (f *fakePlatform) Available(context.Context) bool {
	f.probeCount.Add(1)
	return f.available
}

func (f *fakePlatform) Protect(_ context.Context, plaintext string) (string, error) {
	if f.failSeal {
		return "", errors.New("boom")
	}
	return "dp:" + reverse(plaintext), nil
}

func (f *fakePlatform) Unprotect(_ context.Context, payload string) (string, error) {
	if !strings.HasPrefix(payload, "dp:") {
		return "", errors.New("not ours")
	}
	return reverse(strings.TrimPrefix(payload, "dp:")), nil
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

func TestSealOpen_RoundTripFallback(t *testing.T) {
	ctx := context.Background()
	scope := t.TempDir()
	s := New(WithPlatform(nil))

	values := []string{"a", "hello world", "/home/user/photos/01_original.jpg", "ユーザー", strings.Repeat("x", 4096)}
	for _, v := range values {
		sealed, err := s.Seal(ctx, scope, v)
		if err != nil {
			t.Fatalf("Seal(%q): %v", v, err)
		}
		if !IsSealed(sealed) {
			t.Fatalf("Seal(%q) = %q, missing envelope prefix", v, sealed)
		}
		if len(v) >= 8 && strings.Contains(sealed, v) {
			t.Errorf("sealed value contains plaintext %q", v)
		}
		if got := s.Open(ctx, scope, sealed); got != v {
			t.Errorf("Open(Seal(%q)) = %q", v, got)
		}
	}
}

func TestSeal_EmptyIsNoop(t *testing.T) {
	scope := t.TempDir()
	s := New(WithPlatform(nil))

	got, err := s.Seal(context.Background(), scope, "")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if got != "" {
		t.Errorf("Seal(\"\") = %q, want empty", got)
	}
	if _, err := os.Stat(MasterKeyPath(scope)); !os.IsNotExist(err) {
		t.Errorf("master key created for empty seal (stat err = %v)", err)
	}
}

func TestOpen_PlaintextPassthrough(t *testing.T) {
	s := New(WithPlatform(nil))
	for _, v := range []string{"", "plain text", "companion", "miya-sec:legacy"} {
		if got := s.Open(context.Background(), t.TempDir(), v); got != v {
			t.Errorf("Open(%q) = %q", v, got)
		}
	}
}

func TestOpen_MalformedEnvelopeReturnsRaw(t *testing.T) {
	ctx := context.Background()
	scope := t.TempDir()
	s := New(WithPlatform(nil))

	raw := envelopePrefix + "!!!not-base64"
	if got := s.Open(ctx, scope, raw); got != raw {
		t.Errorf("Open(malformed) = %q, want raw", got)
	}
	if _, err := s.OpenStrict(ctx, scope, raw); !errors.Is(err, ErrUndecryptable) {
		t.Errorf("OpenStrict(malformed) err = %v, want ErrUndecryptable", err)
	}
}

func TestOpen_WrongKeyReturnsRaw(t *testing.T) {
	ctx := context.Background()
	s := New(WithPlatform(nil))

	sealed, err := s.Seal(ctx, t.TempDir(), "secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	other := t.TempDir()
	if _, err := New(WithPlatform(nil)).Seal(ctx, other, "init"); err != nil {
		t.Fatalf("Seal(other): %v", err)
	}
	if got := New(WithPlatform(nil)).Open(ctx, other, sealed); got != sealed {
		t.Errorf("Open under foreign key = %q, want raw envelope", got)
	}
}

func TestOpen_TamperedTagFails(t *testing.T) {
	ctx := context.Background()
	scope := t.TempDir()
	s := New(WithPlatform(nil))

	sealed, err := s.Seal(ctx, scope, "secret")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env, ok := decodeEnvelope(sealed)
	if !ok {
		t.Fatal("decodeEnvelope failed on fresh envelope")
	}
	tag, err := base64.StdEncoding.DecodeString(env.Tag)
	if err != nil {
		t.Fatalf("decoding tag: %v", err)
	}
	tag[0] ^= 0xff
	env.Tag = base64.StdEncoding.EncodeToString(tag)
	tampered, err := encodeEnvelope(env)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	if _, err := s.OpenStrict(ctx, scope, tampered); !errors.Is(err, ErrUndecryptable) {
		t.Errorf("OpenStrict(tampered) err = %v, want ErrUndecryptable", err)
	}
}

func TestMasterKey_PersistedAcrossStores(t *testing.T) {
	ctx := context.Background()
	scope := t.TempDir()

	sealed, err := New(WithPlatform(nil)).Seal(ctx, scope, "survives restart")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	info, err := os.Stat(MasterKeyPath(scope))
	if err != nil {
		t.Fatalf("master key not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("master key mode = %v, want 0600", info.Mode().Perm())
	}

	if got := New(WithPlatform(nil)).Open(ctx, scope, sealed); got != "survives restart" {
		t.Errorf("Open with fresh store = %q", got)
	}
}

func TestSeal_PlatformPreferred(t *testing.T) {
	ctx := context.Background()
	scope := t.TempDir()
	p := &fakePlatform{available: true}
	s := New(WithPlatform(p))

	sealed, err := s.Seal(ctx, scope, "hello")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env, ok := decodeEnvelope(sealed)
	if !ok {
		t.Fatal("decodeEnvelope failed")
	}
	if env.Algorithm != AlgorithmPlatformDPAPI {
		t.Errorf("Algorithm = %q, want %q", env.Algorithm, AlgorithmPlatformDPAPI)
	}
	if got := s.Open(ctx, scope, sealed); got != "hello" {
		t.Errorf("Open = %q, want hello", got)
	}

	// Probe runs once regardless of how many values are sealed.
	if _, err := s.Seal(ctx, scope, "again"); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if n := p.probeCount.Load(); n != 1 {
		t.Errorf("probe count = %d, want 1", n)
	}
	if _, err := os.Stat(MasterKeyPath(scope)); !os.IsNotExist(err) {
		t.Error("master key written although platform sealing succeeded")
	}
}

func TestSeal_PlatformUnavailableFallsBack(t *testing.T) {
	ctx := context.Background()
	scope := t.TempDir()

	for name, p := range map[string]*fakePlatform{
		"unavailable": {available: false},
		"seal fails":  {available: true, failSeal: true},
	} {
		t.Run(name, func(t *testing.T) {
			s := New(WithPlatform(p))
			sealed, err := s.Seal(ctx, scope, "hello")
			if err != nil {
				t.Fatalf("Seal: %v", err)
			}
			env, ok := decodeEnvelope(sealed)
			if !ok {
				t.Fatal("decodeEnvelope failed")
			}
			if env.Algorithm != AlgorithmAESGCM {
				t.Errorf("Algorithm = %q, want %q", env.Algorithm, AlgorithmAESGCM)
			}
			if env.IV == "" || env.Tag == "" {
				t.Error("AES-GCM envelope missing iv/tag")
			}
			if got := s.Open(ctx, scope, sealed); got != "hello" {
				t.Errorf("Open = %q", got)
			}
		})
	}
}
