package storage

import (
	"errors"

	"github.com/nitinics/openr/pkg/wire"
)

// ErrCorrupt marks an image that fails header or checksum validation.
var ErrCorrupt = errors.New("corrupt database image")

// Backend persists the database image. Save replaces the previous image
// and must leave it intact when it fails. Implementations are not safe for
// concurrent use; the store service serializes all access.
type Backend interface {
	Save(db wire.Database) error
	Load() (wire.Database, error)
	Close() error
}
