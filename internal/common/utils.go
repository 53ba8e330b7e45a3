package common

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// FormatBytes formats bytes into human readable form. The CLI does not
// call it; its status/inspect output prints raw byte counts.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"B", "KB", "MB", "GB", "TB", "PB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}

func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func Max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func MaxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Retry executes fn with exponential backoff, used by the sync transport's
// connect-retry loop (spec §4.6: initial 500ms, cap 30s).
func Retry(ctx context.Context, attempts int, initial, cap time.Duration, fn func() error) error {
	delay := initial
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay *= 2
		if delay > cap {
			delay = cap
		}
	}
	return err
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	n := rand.Int63n(int64(d) / 4)
	return d - time.Duration(n)
}
