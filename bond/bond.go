package bond

import (
	"github.com/pkg/errors"
	"github.com/rigado/blesm"
)

// Store is a persistence collaborator that holds a resource.
type Store interface {
	blesm.Persistence
	Close() error
}

// Store kinds accepted by Open.
const (
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Open returns the store of the given kind at path.
func Open(kind, path string) (Store, error) {
	if path == "" {
		return nil, errors.Wrap(blesm.ErrInvalidParameter, "bond store path is empty")
	}

	switch kind {
	case KindFile, "":
		return NewFileStore(path), nil
	case KindSQLite:
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, errors.Wrapf(blesm.ErrInvalidParameter, "unknown bond store %q", kind)
}
