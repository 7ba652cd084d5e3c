package storage

import (
	"path/filepath"
	"testing"

	"github.com/nitinics/openr/pkg/wire"
)

func TestBoltRoundTrip(t *testing.T) {
	b, err := NewBoltBackend(filepath.Join(t.TempDir(), "store.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

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

func TestBoltFreshLoadIsEmpty(t *testing.T) {
	b, err := NewBoltBackend(filepath.Join(t.TempDir(), "store.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	got, err := b.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("fresh db loaded %d entries", len(got))
	}
}

func TestBoltSaveReplaces(t *testing.T) {
	b, err := NewBoltBackend(filepath.Join(t.TempDir(), "store.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if err := b.Save(wire.Database{"a": []byte("1"), "b": []byte("2")}); err != nil {
		t.Fatal(err)
	}
	if err := b.Save(wire.Database{"b": []byte("3")}); err != nil {
		t.Fatal(err)
	}
	got, err := b.Load()
	if err != nil {
		t.Fatal(err)
	}
	equalDB(t, got, wire.Database{"b": []byte("3")})
}

func TestBoltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.bolt")

	b, err := NewBoltBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Save(wire.Database{"k": []byte("v")}); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}

	b2, err := NewBoltBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Close()
	got, err := b2.Load()
	if err != nil {
		t.Fatal(err)
	}
	equalDB(t, got, wire.Database{"k": []byte("v")})
}
