package object

import (
	"context"
	"io"
)

// ObjectStore defines the contract for saving and retrieving binary objects.
// A store is bound to one container (bucket or directory); storage keys are
// paths within it, so (Container, key) forms the full locator of an object.
type ObjectStore interface {
	Save(ctx context.Context, patientID string, fileName string, r io.Reader) (storageKey string, sizeBytes int64, mimeType string, err error)
	SaveWithKey(ctx context.Context, storageKey string, contentType string, r io.Reader) (int64, error)
	Open(ctx context.Context, storageKey string) (io.ReadCloser, error)
	Exists(ctx context.Context, storageKey string) (bool, error)
	Container() string
	// AbsoluteKey resolves a storage key to the full object key inside the
	// container, including any prefix the store was configured with.
	AbsoluteKey(storageKey string) string
}
