package shardmeta

import (
	"fmt"

	"gitlab.com/NebulousLabs/errors"
)

// Error taxonomy shared across the engine (spec.md §7). Every package
// composes these with errors.AddContext/errors.Compose rather than
// fabricating ad-hoc error strings, matching the teacher's convention.
var (
	// ErrConfig signals invalid options at construction.
	ErrConfig = errors.New("invalid configuration")

	// ErrTransport signals a network or serialization failure talking to
	// the bridge.
	ErrTransport = errors.New("bridge transport failure")

	// ErrIO signals a file stat/read/write or temp-file failure.
	ErrIO = errors.New("local io failure")

	// ErrShardTransfer signals repeated failure transferring a single
	// shard; recovered internally by blacklisting the farmer and
	// re-contracting, never surfaced to the caller directly.
	ErrShardTransfer = errors.New("shard transfer failed")

	// ErrUploadFailed is the terminal wrapper delivered to the caller
	// when upload recovery is exhausted.
	ErrUploadFailed = errors.New("upload failed")

	// ErrDownloadFailed is the terminal wrapper delivered to the caller
	// when a download cannot be resolved.
	ErrDownloadFailed = errors.New("download failed")

	// ErrCancelled is the terminal wrapper delivered when the caller
	// killed the upload state.
	ErrCancelled = errors.New("cancelled")
)

// BridgeError is returned whenever the bridge responds with an HTTP status
// of 400 or greater (spec.md §4.1).
type BridgeError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge error (status %d): %s", e.Status, e.Message)
}
