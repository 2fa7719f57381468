package engine

import (
	"io"
	"net/http"
	"time"
)

// Status is a protocol-neutral outcome of a storage operation. The
// WebDAV and REST adapters map it onto their own wire representations.
type Status int

const (
	StatusOK Status = iota
	StatusCreated
	StatusPartial
	StatusNotFound
	StatusNotAllowed
	StatusConflict
	StatusLocked
	StatusUnprocessable
)

// HTTPStatus returns the HTTP status code for s.
func (s Status) HTTPStatus() int {
	switch s {
	case StatusOK:
		return http.StatusOK
	case StatusCreated:
		return http.StatusCreated
	case StatusPartial:
		return http.StatusPartialContent
	case StatusNotFound:
		return http.StatusNotFound
	case StatusNotAllowed:
		return http.StatusMethodNotAllowed
	case StatusConflict:
		return http.StatusConflict
	case StatusLocked:
		return http.StatusLocked
	case StatusUnprocessable:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCreated:
		return "created"
	case StatusPartial:
		return "partial"
	case StatusNotFound:
		return "not_found"
	case StatusNotAllowed:
		return "not_allowed"
	case StatusConflict:
		return "conflict"
	case StatusLocked:
		return "locked"
	case StatusUnprocessable:
		return "unprocessable"
	default:
		return "unknown"
	}
}

// Entry describes one catalog resource in a listing.
type Entry struct {
	Path        string
	Name        string
	IsDirectory bool
	Size        int64
	MediaType   string
	ModifiedAt  time.Time
	CreatedAt   time.Time
}

// Result is the outcome of a mutating or listing operation.
type Result struct {
	Status  Status
	Entries []Entry
}

func status(s Status) *Result {
	return &Result{Status: s}
}

// DownloadResult carries an open content stream. The caller owns Body
// and must close it.
type DownloadResult struct {
	Status    Status
	Body      io.ReadCloser
	Start     int64
	End       int64
	Size      int64
	MediaType string
}
