//go:build !windows

package secure

import "time"

// Only Windows has a platform facility wired in. Elsewhere values are
// sealed with the AES-GCM fallback.
func defaultPlatform(time.Duration) Provider {
	return nil
}
