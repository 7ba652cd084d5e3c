package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"

	"github.com/nitinics/openr/pkg/wire"
)

// Image layout: [2B magic][2B version][32B BLAKE2b-256 of payload][payload].
const (
	fileMagic   uint16 = 0x4B56 // "KV"
	fileVersion uint16 = 1
	headerSize         = 2 + 2 + blake2b.Size256
)

// FileBackend keeps the image as a single flat file, replaced atomically on
// every save.
type FileBackend struct {
	path string
}

func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Save encodes the image, writes it to a temp file next to the target and
// renames it into place. A failure at any step leaves the previous image
// untouched and removes the temp file.
func (f *FileBackend) Save(db wire.Database) error {
	payload := wire.MarshalDatabase(db)
	sum := blake2b.Sum256(payload)

	buf := make([]byte, 0, headerSize+len(payload))
	buf = binary.BigEndian.AppendUint16(buf, fileMagic)
	buf = binary.BigEndian.AppendUint16(buf, fileVersion)
	buf = append(buf, sum[:]...)
	buf = append(buf, payload...)

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp image: %w", err)
	}
	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing temp image: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("syncing temp image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp image: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing image: %w", err)
	}
	return nil
}

// Load reads and validates the image. A missing file wraps fs.ErrNotExist;
// a short file, bad magic or version, or checksum mismatch wraps ErrCorrupt.
func (f *FileBackend) Load() (wire.Database, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrCorrupt, len(raw), headerSize)
	}
	if m := binary.BigEndian.Uint16(raw[0:2]); m != fileMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%04x", ErrCorrupt, m)
	}
	if v := binary.BigEndian.Uint16(raw[2:4]); v != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	payload := raw[headerSize:]
	sum := blake2b.Sum256(payload)
	if !bytes.Equal(sum[:], raw[4:headerSize]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	db, err := wire.UnmarshalDatabase(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return db, nil
}

func (f *FileBackend) Close() error { return nil }
