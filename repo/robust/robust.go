// Package robust implements the error taxonomy of the engine: typed
// per-file errors, the single handler that converts them into log lines and
// exit-code bits, and the session exit-code bitset.
package robust

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/ottok/rdiff-backup/repo/logging"
)

var log = logging.Logger("rdiff/robust")

// Kind classifies an error per the recovery policy attached to it.
type Kind string

// Error kinds.
const (
	UpdateError          Kind = "UpdateError"
	SpecialFileError     Kind = "SpecialFileError"
	PermError            Kind = "PermError"
	ListError            Kind = "ListError"
	StreamOrderViolation Kind = "StreamOrderViolation"
	RepositoryCorrupt    Kind = "RepositoryCorrupt"
	MetadataMissing      Kind = "MetadataMissing"
)

// Error is a typed engine error optionally naming the path it concerns.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
	}

	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error.
func New(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// Newf builds a typed error from a format string.
func Newf(kind Kind, path, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Path: path, Err: errors.Errorf(format, args...)}
}

// IsKind reports whether err is (or wraps) a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// ExitStatus is the session exit-code bitset.
type ExitStatus int

// Exit status bits; a session returns the OR of all stages.
const (
	StatusOK          ExitStatus = 0
	StatusError       ExitStatus = 1
	StatusWarning     ExitStatus = 2
	StatusFileError   ExitStatus = 4
	StatusFileWarning ExitStatus = 8
)

// Merge ORs another status into e.
func (e *ExitStatus) Merge(other ExitStatus) {
	*e |= other
}

// Handler routes per-file errors: it writes one structured line per error
// and accumulates exit-status bits. All per-file errors in a session go
// through one handler so the caller can interpret a false return as "skip
// this file, do not flag success".
type Handler struct {
	mu     sync.Mutex
	status ExitStatus
}

// NewHandler returns an empty handler.
func NewHandler() *Handler {
	return &Handler{}
}

// File records a non-fatal per-file error.
func (h *Handler) File(kind Kind, path string, err error) {
	log.Warnw("file error", "kind", string(kind), "path", path, "error", err)

	h.mu.Lock()
	h.status |= StatusFileError
	h.mu.Unlock()
}

// Warn records a per-file warning that does not prevent the file from being
// committed.
func (h *Handler) Warn(kind Kind, path string, err error) {
	log.Warnw("file warning", "kind", string(kind), "path", path, "error", err)

	h.mu.Lock()
	h.status |= StatusFileWarning
	h.mu.Unlock()
}

// Check runs fn and converts an error into a handled per-file error.
// It returns true when fn succeeded.
func (h *Handler) Check(kind Kind, path string, fn func() error) bool {
	if err := fn(); err != nil {
		h.File(kind, path, err)
		return false
	}

	return true
}

// Status returns the accumulated exit bits.
func (h *Handler) Status() ExitStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status
}
