// retry.go retries writes that fail on transient SQLite contention.
//
// The simulator writes batches while `st status` or `st log` may be
// reading the same file. busy_timeout covers SQLITE_BUSY on the connection,
// but LOCKED and IOERR_SHORT_READ still surface to the caller and clear up
// after a short wait.
package store

import (
	"math/rand/v2"
	"strings"
	"time"
)

// retryConfig controls retry behavior for transient SQLite errors.
type retryConfig struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var defaultRetryConfig = retryConfig{
	maxRetries: 3,
	baseDelay:  50 * time.Millisecond,
	maxDelay:   500 * time.Millisecond,
}

// transientMarkers are substrings modernc.org/sqlite puts in errors that
// are worth retrying. (5) BUSY, (6) LOCKED, (522) IOERR_SHORT_READ.
var transientMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(522)",
}

func isTransientSQLiteErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// retryOp runs fn up to 1+maxRetries times, backing off between transient
// failures. Any other error is returned at once.
func retryOp(cfg retryConfig, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isTransientSQLiteErr(err) || attempt >= cfg.maxRetries {
			return err
		}
		time.Sleep(backoffDelay(cfg, attempt))
	}
}

// backoffDelay is min(baseDelay*2^attempt, maxDelay) plus jitter in
// [0, baseDelay).
func backoffDelay(cfg retryConfig, attempt int) time.Duration {
	delay := cfg.baseDelay << uint(attempt)
	if delay > cfg.maxDelay || delay <= 0 {
		delay = cfg.maxDelay
	}
	return delay + rand.N(cfg.baseDelay)
}
