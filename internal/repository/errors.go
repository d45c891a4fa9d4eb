package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/lettinghenry/roadpulse-sub001/internal/monitoring"
)

// ErrorKind classifies a storage failure for the retry policy.
type ErrorKind int

const (
	KindOther ErrorKind = iota
	KindFull
	KindCorrupt
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindFull:
		return "full"
	case KindCorrupt:
		return "corrupt"
	case KindTransient:
		return "transient"
	default:
		return "other"
	}
}

func (k ErrorKind) category() monitoring.Category {
	switch k {
	case KindFull:
		return monitoring.CategoryStorageFull
	case KindCorrupt:
		return monitoring.CategoryStorageCorruption
	case KindTransient:
		return monitoring.CategoryStorageTransient
	default:
		return monitoring.CategoryStorage
	}
}

// Sentinels matched by *StorageError through errors.Is. Stores may also
// return them directly to force a classification.
var (
	ErrStorageFull      = errors.New("storage full")
	ErrStorageCorrupt   = errors.New("storage corrupt")
	ErrStorageTransient = errors.New("transient storage error")
)

// StorageError is the final outcome of a storage operation that could not
// be completed under the retry policy.
type StorageError struct {
	Kind     ErrorKind
	Op       string
	Attempts int
	Err      error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s failed (%s, %d attempt(s)): %v", e.Op, e.Kind, e.Attempts, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	switch target {
	case ErrStorageFull:
		return e.Kind == KindFull
	case ErrStorageCorrupt:
		return e.Kind == KindCorrupt
	case ErrStorageTransient:
		return e.Kind == KindTransient
	}
	return false
}

// Classify maps an error from a Store onto an ErrorKind. SQLite result codes
// are used when available, with a message match as fallback for drivers
// that only surface text.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindOther
	case errors.Is(err, ErrStorageFull):
		return KindFull
	case errors.Is(err, ErrStorageCorrupt):
		return KindCorrupt
	case errors.Is(err, ErrStorageTransient):
		return KindTransient
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_FULL:
			return KindFull
		case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB:
			return KindCorrupt
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_PROTOCOL:
			return KindTransient
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "disk is full"), strings.Contains(msg, "no space left"):
		return KindFull
	case strings.Contains(msg, "malformed"), strings.Contains(msg, "not a database"), strings.Contains(msg, "corrupt"):
		return KindCorrupt
	case strings.Contains(msg, "database is locked"), strings.Contains(msg, "busy"), strings.Contains(msg, "disk i/o error"):
		return KindTransient
	}
	return KindOther
}
