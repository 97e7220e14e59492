// Package store provides the persistence surfaces the rest of the system
// consumes: a path-keyed document store with change subscriptions, a blob
// store for resume uploads, and the current-user identity lookup.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a document path has no value.
var ErrNotFound = errors.New("store: document not found")

// Document is one stored record. Data round-trips as JSON.
type Document struct {
	Path      string
	Data      map[string]any
	UpdatedAt time.Time
}

// Change describes one mutation delivered to subscribers.
type Change struct {
	Doc     Document
	Deleted bool
}

// ChangeHandler receives document changes. Handlers must not block; slow
// consumers should hand off to their own channel.
type ChangeHandler func(Change)

// Subscription is a live change feed. Close releases it; Close is
// idempotent.
type Subscription interface {
	Close()
}

// DocumentStore is a path-keyed JSON document store.
//
// Paths are slash-separated, "users/u1/resumes/r1". Add appends a generated
// ID under a collection path; Set writes a full document at an exact path.
type DocumentStore interface {
	Get(ctx context.Context, path string) (Document, error)
	List(ctx context.Context, collection string) ([]Document, error)
	Add(ctx context.Context, collection string, data map[string]any) (string, error)
	Set(ctx context.Context, path string, data map[string]any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error

	// Subscribe delivers every subsequent change at or under path.
	Subscribe(path string, fn ChangeHandler) Subscription
}

// ProgressFunc observes upload progress. total is -1 when unknown.
type ProgressFunc func(transferred, total int64)

// BlobStore holds uploaded files (resumes, recordings).
type BlobStore interface {
	Upload(ctx context.Context, path string, r io.Reader, size int64, onProgress ProgressFunc) error
	DownloadURL(ctx context.Context, path string) (string, error)
	Delete(ctx context.Context, path string) error
}

// User is the authenticated caller.
type User struct {
	ID          string
	Email       string
	DisplayName string
}

// Identity resolves the current user. A nil user with nil error means no
// one is signed in.
type Identity interface {
	CurrentUser(ctx context.Context) (*User, error)
}

// StaticIdentity is an Identity fixed at construction, for CLIs and tests.
type StaticIdentity struct {
	User *User
}

func (s StaticIdentity) CurrentUser(ctx context.Context) (*User, error) {
	return s.User, nil
}
