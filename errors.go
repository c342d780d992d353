package offgrid

import (
	"errors"
	"fmt"
)

var (
	// ErrShellUnavailable is returned by Install when the application shell
	// could not be fetched or stored. Nothing from that install is committed.
	ErrShellUnavailable = errors.New("offgrid: application shell unavailable")

	// ErrNotCacheable is returned by Partition.Put for any status other than 200.
	ErrNotCacheable = errors.New("offgrid: response is not cacheable")

	// ErrRejected is returned when the provider refused a write under pressure.
	ErrRejected = errors.New("offgrid: provider rejected write")

	ErrClosed            = errors.New("offgrid: closed")
	ErrAlreadyRegistered = errors.New("offgrid: version already registered")
	ErrNoWaitingWorker   = errors.New("offgrid: no waiting worker")
	ErrInvalidState      = errors.New("offgrid: invalid lifecycle transition")
)

// FetchError describes a network attempt that did not produce a usable
// response: a transport error, a timeout, or (for precache) a non-200 status.
type FetchError struct {
	URL    string
	Status int // 0 when no response arrived
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// InstallError is returned by Container.Register when a worker failed to
// install. The previously active worker, if any, keeps control.
type InstallError struct {
	Version string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("offgrid: install %s: %v", e.Version, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }
