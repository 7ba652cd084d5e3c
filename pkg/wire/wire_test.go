package wire

import (
	"bytes"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"store", Request{Op: OpStore, Key: "color", Value: []byte("blue")}},
		{"load", Request{Op: OpLoad, Key: "color"}},
		{"erase", Request{Op: OpErase, Key: "color"}},
		{"empty value", Request{Op: OpStore, Key: "k"}},
		{"zero", Request{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalRequest(MarshalRequest(tt.req))
			if err != nil {
				t.Fatal(err)
			}
			if got.Op != tt.req.Op || got.Key != tt.req.Key || !bytes.Equal(got.Value, tt.req.Value) {
				t.Fatalf("round trip = %+v, want %+v", got, tt.req)
			}
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp Response
	}{
		{"success with value", Response{Key: "color", Success: true, Value: []byte("blue")}},
		{"success without value", Response{Key: "color", Success: true}},
		{"failure", Response{Key: "missing"}},
		{"empty key failure", Response{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalResponse(MarshalResponse(tt.resp))
			if err != nil {
				t.Fatal(err)
			}
			if got.Key != tt.resp.Key || got.Success != tt.resp.Success || !bytes.Equal(got.Value, tt.resp.Value) {
				t.Fatalf("round trip = %+v, want %+v", got, tt.resp)
			}
		})
	}
}

func TestDatabaseRoundTrip(t *testing.T) {
	db := Database{
		"color": []byte("blue"),
		"size":  []byte("large"),
		"empty": nil,
	}
	got, err := UnmarshalDatabase(MarshalDatabase(db))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(db) {
		t.Fatalf("len = %d, want %d", len(got), len(db))
	}
	for k, v := range db {
		gv, ok := got[k]
		if !ok {
			t.Fatalf("missing key %q", k)
		}
		if !bytes.Equal(gv, v) {
			t.Fatalf("key %q: value = %q, want %q", k, gv, v)
		}
	}
}

func TestDatabaseEmpty(t *testing.T) {
	b := MarshalDatabase(Database{})
	if len(b) != 0 {
		t.Fatalf("empty database encodes to %d bytes, want 0", len(b))
	}
	got, err := UnmarshalDatabase(nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("decoded %d entries from empty input", len(got))
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated tag", []byte{0xFF}},
		{"field number zero", []byte{0x00}},
		// Tag for field 2 (bytes) claiming 10 bytes with only 3 present.
		{"truncated bytes", []byte{0x12, 0x0A, 'a', 'b', 'c'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := UnmarshalRequest(tt.data); err == nil {
				t.Fatal("UnmarshalRequest accepted malformed input")
			}
			if _, err := UnmarshalResponse(tt.data); err == nil {
				t.Fatal("UnmarshalResponse accepted malformed input")
			}
			if _, err := UnmarshalDatabase(tt.data); err == nil {
				t.Fatal("UnmarshalDatabase accepted malformed input")
			}
		})
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	b := MarshalRequest(Request{Op: OpStore, Key: "k", Value: []byte("v")})
	// Append an unknown varint field 15 and an unknown bytes field 16.
	b = protowire.AppendTag(b, 15, protowire.VarintType)
	b = protowire.AppendVarint(b, 42)
	b = protowire.AppendTag(b, 16, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	got, err := UnmarshalRequest(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Op != OpStore || got.Key != "k" || string(got.Value) != "v" {
		t.Fatalf("got %+v after unknown fields", got)
	}
}

func TestDatabaseClone(t *testing.T) {
	db := Database{"k": []byte("v")}
	cp := db.Clone()
	cp["k"][0] = 'x'
	if string(db["k"]) != "v" {
		t.Fatalf("clone aliases original: %q", db["k"])
	}
}

func TestOpName(t *testing.T) {
	tests := []struct {
		op   uint32
		want string
	}{
		{OpStore, "STORE"},
		{OpLoad, "LOAD"},
		{OpErase, "ERASE"},
		{99, "UNKNOWN(99)"},
	}
	for _, tt := range tests {
		if got := OpName(tt.op); got != tt.want {
			t.Errorf("OpName(%d) = %q, want %q", tt.op, got, tt.want)
		}
	}
}
