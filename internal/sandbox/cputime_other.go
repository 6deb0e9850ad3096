//go:build !unix

package sandbox

import "time"

// processCPUTime is unavailable off unix; CPU accounting degrades to zero.
func processCPUTime() time.Duration {
	return 0
}
