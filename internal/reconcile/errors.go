package reconcile

import (
	"errors"

	"github.com/KelvinOps/bioauthentication/internal/bridges/zkteco"
)

var (
	// ErrSyncInProgress is returned when a sync run is requested while
	// another run of the same Syncer has not finished.
	ErrSyncInProgress = errors.New("sync: already in progress")

	// ErrCancelled is recorded when a batch is abandoned between punches.
	ErrCancelled = errors.New("sync: cancelled")
)

// IsRetryable reports whether err is a transient transport failure that
// warrants one reconnect-and-retry.
func IsRetryable(err error) bool {
	return errors.Is(err, zkteco.ErrTimeout) || errors.Is(err, zkteco.ErrChecksumMismatch)
}
