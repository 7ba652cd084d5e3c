package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Operation tags carried in Request.Op.
const (
	OpUnspecified uint32 = 0
	OpStore       uint32 = 1
	OpLoad        uint32 = 2
	OpErase       uint32 = 3
)

// OpName returns a human-readable name for an operation tag.
func OpName(op uint32) string {
	switch op {
	case OpStore:
		return "STORE"
	case OpLoad:
		return "LOAD"
	case OpErase:
		return "ERASE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", op)
	}
}

// Request is a single client operation against the store.
// Value is meaningful only for STORE.
type Request struct {
	Op    uint32
	Key   string
	Value []byte
}

// Response answers exactly one Request. Value is present only on a
// successful LOAD.
type Response struct {
	Key     string
	Success bool
	Value   []byte
}

// Database is the in-memory image of the store: key → value.
type Database map[string][]byte

// Clone returns a deep copy of the database.
func (db Database) Clone() Database {
	out := make(Database, len(db))
	for k, v := range db {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

// MarshalRequest encodes a Request. All messages here are standard
// protobuf wire format for this schema:
//
//	enum Op { OP_UNSPECIFIED = 0; OP_STORE = 1; OP_LOAD = 2; OP_ERASE = 3; }
//	message Request  { uint32 op = 1; string key = 2; bytes value = 3; }
//	message Response { string key = 1; bool success = 2; bytes value = 3; }
//	message Database { repeated Entry entries = 1; }
//	message Entry    { string key = 1; bytes value = 2; }
//
// The decoders skip unknown fields so the format can grow without breaking
// older binaries.
func MarshalRequest(r Request) []byte {
	var b []byte
	if r.Op != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(r.Op))
	}
	if r.Key != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, r.Key)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	return b
}

// UnmarshalRequest decodes a Request, rejecting malformed input.
func UnmarshalRequest(b []byte) (Request, error) {
	var r Request
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Request{}, fmt.Errorf("request tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Request{}, fmt.Errorf("request op: %w", protowire.ParseError(n))
			}
			r.Op = uint32(v)
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Request{}, fmt.Errorf("request key: %w", protowire.ParseError(n))
			}
			r.Key = v
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Request{}, fmt.Errorf("request value: %w", protowire.ParseError(n))
			}
			r.Value = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Request{}, fmt.Errorf("request field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}

// MarshalResponse encodes a Response.
func MarshalResponse(r Response) []byte {
	var b []byte
	if r.Key != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, r.Key)
	}
	if r.Success {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if len(r.Value) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Value)
	}
	return b
}

// UnmarshalResponse decodes a Response, rejecting malformed input.
func UnmarshalResponse(b []byte) (Response, error) {
	var r Response
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Response{}, fmt.Errorf("response tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Response{}, fmt.Errorf("response key: %w", protowire.ParseError(n))
			}
			r.Key = v
			b = b[n:]
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Response{}, fmt.Errorf("response success: %w", protowire.ParseError(n))
			}
			r.Success = v != 0
			b = b[n:]
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Response{}, fmt.Errorf("response value: %w", protowire.ParseError(n))
			}
			r.Value = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Response{}, fmt.Errorf("response field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return r, nil
}

// MarshalDatabase encodes the full database image. Entry order is
// unspecified; decoding any permutation yields an equal database.
func MarshalDatabase(db Database) []byte {
	var b []byte
	for k, v := range db {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		if len(v) > 0 {
			entry = protowire.AppendTag(entry, 2, protowire.BytesType)
			entry = protowire.AppendBytes(entry, v)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

// UnmarshalDatabase decodes a database image. Duplicate keys keep the
// last occurrence, matching protobuf map semantics.
func UnmarshalDatabase(b []byte) (Database, error) {
	db := make(Database)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("database tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("database entry: %w", protowire.ParseError(n))
			}
			key, val, err := unmarshalEntry(v)
			if err != nil {
				return nil, err
			}
			db[key] = val
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("database field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return db, nil
}

func unmarshalEntry(b []byte) (key string, val []byte, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", nil, fmt.Errorf("entry tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", nil, fmt.Errorf("entry key: %w", protowire.ParseError(n))
			}
			key = v
			b = b[n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", nil, fmt.Errorf("entry value: %w", protowire.ParseError(n))
			}
			val = append([]byte(nil), v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", nil, fmt.Errorf("entry field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return key, val, nil
}
