//go:build windows

package secure

import "time"

func defaultPlatform(timeout time.Duration) Provider {
	return NewDPAPI("powershell", timeout)
}
