package storage

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/nitinics/openr/pkg/wire"
)

func equalDB(t *testing.T, got, want wire.Database) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for k, v := range want {
		gv, ok := got[k]
		if !ok {
			t.Fatalf("missing key %q", k)
		}
		if !bytes.Equal(gv, v) {
			t.Fatalf("key %q = %q, want %q", k, gv, v)
		}
	}
}

func TestFileSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	b := NewFileBackend(path)

	db := wire.Database{"color": []byte("blue"), "size": []byte("large")}
	if err := b.Save(db); err != nil {
		t.Fatal(err)
	}
	got, err := b.Load()
	if err != nil {
		t.Fatal(err)
	}
	equalDB(t, got, db)
}

func TestFileSaveEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	b := NewFileBackend(path)
	if err := b.Save(wire.Database{}); err != nil {
		t.Fatal(err)
	}
	got, err := b.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("loaded %d entries from empty image", len(got))
	}
}

func TestFileOverwriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	b := NewFileBackend(filepath.Join(dir, "store.db"))

	if err := b.Save(wire.Database{"k": []byte("v1")}); err != nil {
		t.Fatal(err)
	}
	if err := b.Save(wire.Database{"k": []byte("v2")}); err != nil {
		t.Fatal(err)
	}
	got, err := b.Load()
	if err != nil {
		t.Fatal(err)
	}
	equalDB(t, got, wire.Database{"k": []byte("v2")})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries after two saves, want 1", len(entries))
	}
}

func TestFileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")
	b := NewFileBackend(path)
	if err := b.Save(wire.Database{"k": []byte("v")}); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := fi.Mode().Perm(); got != 0600 {
		t.Fatalf("image mode = %o, want 0600", got)
	}
}

func TestFileLoadMissing(t *testing.T) {
	b := NewFileBackend(filepath.Join(t.TempDir(), "absent.db"))
	_, err := b.Load()
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("Load on missing file = %v, want fs.ErrNotExist", err)
	}
}

func TestFileLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")
	b := NewFileBackend(path)
	if err := b.Save(wire.Database{"k": []byte("v")}); err != nil {
		t.Fatal(err)
	}
	valid, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"truncated header", func(b []byte) []byte { return b[:headerSize-1] }},
		{"bad magic", func(b []byte) []byte { b[0] ^= 0xFF; return b }},
		{"bad version", func(b []byte) []byte { b[3] ^= 0xFF; return b }},
		{"flipped payload byte", func(b []byte) []byte { b[len(b)-1] ^= 0xFF; return b }},
		{"garbage", func([]byte) []byte { return []byte("not an image") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := tt.mutate(append([]byte(nil), valid...))
			if err := os.WriteFile(path, mutated, 0600); err != nil {
				t.Fatal(err)
			}
			_, err := b.Load()
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("Load = %v, want ErrCorrupt", err)
			}
		})
	}
}

func TestFileSaveFailureCleansUp(t *testing.T) {
	dir := t.TempDir()
	// Occupy the target path with a directory so the final rename fails.
	path := filepath.Join(dir, "store.db")
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatal(err)
	}
	b := NewFileBackend(path)
	if err := b.Save(wire.Database{"k": []byte("v")}); err == nil {
		t.Fatal("Save onto a directory succeeded")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %d entries, want 1", len(entries))
	}
}

func TestFileSaveMissingDir(t *testing.T) {
	b := NewFileBackend(filepath.Join(t.TempDir(), "no", "such", "dir", "store.db"))
	if err := b.Save(wire.Database{"k": []byte("v")}); err == nil {
		t.Fatal("Save into a missing directory succeeded")
	}
}
