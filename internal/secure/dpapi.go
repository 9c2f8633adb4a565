package secure

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Provider is a platform-native secret facility. Payloads it returns are
// opaque strings stored verbatim inside an envelope.
type Provider interface {
	Available(ctx context.Context) bool
	Protect(ctx context.Context, plaintext string) (string, error)
	Unprotect(ctx context.Context, payload string) (string, error)
}

// DPAPI protects values with the Windows Data Protection API by shelling
// out to PowerShell's SecureString cmdlets, which bind the ciphertext to
// the current user account.
type DPAPI struct {
	shell   string
	timeout time.Duration
}

// NewDPAPI returns a DPAPI provider running the given PowerShell binary.
// Each invocation is bounded by timeout.
func NewDPAPI(shell string, timeout time.Duration) *DPAPI {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &DPAPI{shell: shell, timeout: timeout}
}

func (d *DPAPI) run(ctx context.Context, script string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, d.shell, "-NoProfile", "-NonInteractive", "-Command", script).Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Available runs a trivial PowerShell command and reports whether it
// exited cleanly before ctx expired.
func (d *DPAPI) Available(ctx context.Context) bool {
	out, err := d.run(ctx, "$PSVersionTable.PSVersion.ToString()")
	return err == nil && out != ""
}

func (d *DPAPI) Protect(ctx context.Context, plaintext string) (string, error) {
	encoded := base64.StdEncoding.EncodeToString([]byte(plaintext))
	script := strings.Join([]string{
		fmt.Sprintf("$plain = [Text.Encoding]::UTF8.GetString([Convert]::FromBase64String('%s'))", encoded),
		"$secure = ConvertTo-SecureString -String $plain -AsPlainText -Force",
		"ConvertFrom-SecureString -SecureString $secure",
	}, "; ")
	out, err := d.run(ctx, script)
	if err != nil {
		return "", fmt.Errorf("dpapi protect: %w", err)
	}
	if out == "" {
		return "", errors.New("dpapi protect: empty output")
	}
	return out, nil
}

func (d *DPAPI) Unprotect(ctx context.Context, payload string) (string, error) {
	escaped := strings.ReplaceAll(payload, "'", "''")
	script := strings.Join([]string{
		fmt.Sprintf("$secure = ConvertTo-SecureString '%s'", escaped),
		"$ptr = [Runtime.InteropServices.Marshal]::SecureStringToBSTR($secure)",
		"$plain = [Runtime.InteropServices.Marshal]::PtrToStringBSTR($ptr)",
		"[Runtime.InteropServices.Marshal]::ZeroFreeBSTR($ptr)",
		"[Convert]::ToBase64String([Text.Encoding]::UTF8.GetBytes($plain))",
	}, "; ")
	out, err := d.run(ctx, script)
	if err != nil {
		return "", fmt.Errorf("dpapi unprotect: %w", err)
	}
	if out == "" {
		return "", errors.New("dpapi unprotect: empty output")
	}
	plain, err := base64.StdEncoding.DecodeString(out)
	if err != nil {
		return "", fmt.Errorf("dpapi unprotect: decoding output: %w", err)
	}
	return string(plain), nil
}
