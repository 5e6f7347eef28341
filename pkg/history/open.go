package history

import "fmt"

// Backend names accepted by Open
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open returns the Store for backend. dir is used by the file backend and
// dbPath by the sqlite backend.
func Open(backend, dir, dbPath string) (Store, error) {
	switch backend {
	case "", BackendFile:
		store, err := NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendSQLite:
		store, err := OpenSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", backend)
	}
}
