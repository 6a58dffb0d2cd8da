package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("docstore: store closed")
)

// Store is the document-database contract. Documents are addressed by a
// "collection/id" path. All writes are merge-only and per-field; no operation
// overwrites a whole existing document.
type Store interface {
	// CreateIfAbsent creates the document at path with initial content.
	// Idempotent: if the document already exists it is left untouched and
	// no error is returned.
	CreateIfAbsent(ctx context.Context, path string, initial Value) error

	// MergeUpdate merges patch into the document at path, creating the
	// document when it does not exist yet.
	MergeUpdate(ctx context.Context, path string, patch Value) error

	// Read returns a copy of the document and whether it exists.
	Read(ctx context.Context, path string) (Value, bool, error)

	// Subscribe registers fn to be called with a full copy of the document
	// after every change. If the document already exists, fn fires once
	// immediately with the current content. Callbacks for one subscription
	// are delivered sequentially. The returned cancel is idempotent.
	Subscribe(path string, fn func(Value)) (cancel func(), err error)

	Close() error
}

// ValidatePath checks that path has the "collection/id" shape with non-empty
// segments.
func ValidatePath(path string) error {
	if path == "" {
		return errors.New("docstore: empty path")
	}
	segs := strings.Split(path, "/")
	if len(segs) < 2 {
		return fmt.Errorf("docstore: path %q must be collection/id", path)
	}
	for _, s := range segs {
		if s == "" {
			return fmt.Errorf("docstore: path %q has an empty segment", path)
		}
	}
	return nil
}
