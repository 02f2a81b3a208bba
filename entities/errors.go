package entities

import "errors"

var ErrNotFound = errors.New("store resource not found")

// Source errors. ErrSourceUnavailable is returned after the bounded retries are exhausted.
var ErrSourceUnavailable = errors.New("source unavailable")
var ErrSourceDataInvalid = errors.New("source data invalid")

// Store errors.
var ErrStoreUnavailable = errors.New("store unavailable")
var ErrSyncInProgress = errors.New("sync in progress")

// ErrIdentityConflict marks a write that replaced a stored record with a different payload under the
// same (stakeId, network) key. It is logged, never returned to callers.
var ErrIdentityConflict = errors.New("identity conflict")

// ErrStaleRun marks a sync run that was still flagged as running after the stale timeout.
var ErrStaleRun = errors.New("stale sync run")

var ErrNoDataAvailable = errors.New("no data available")

const (
	ReasonStoreUnavailableNoSnapshot = "store_unavailable_no_snapshot"
)

// NoDataError is returned by the query path when neither the store nor a snapshot can serve a request.
type NoDataError struct {
	Network Network
	Reason  string
}

func (e *NoDataError) Error() string {
	return "no data available for network [" + e.Network.String() + "]: " + e.Reason
}

func (e *NoDataError) Is(target error) bool {
	return target == ErrNoDataAvailable
}
