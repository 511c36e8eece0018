//go:build unix

package budget

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// processMaxRSS returns the peak resident set size of the process in MiB.
func processMaxRSS() (float64, bool) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, false
	}
	rss := float64(ru.Maxrss)
	switch runtime.GOOS {
	case "darwin", "ios":
		// bytes
		return rss / (1 << 20), true
	}
	// kilobytes
	return rss / 1024, true
}
