// Package log owns the redo-log stream the snapshot pipeline
// consumes: the record wire format, per-logger ordinals, and the
// durable partitioned log repository.
package log

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"ember/epoch"
)

// Record kinds. The snapshot pipeline only sees durable records; the
// log layer filters uncommitted work before a snapshot runs.
const (
	KindOverwrite = uint8(1)
	KindInsert    = uint8(2)
	KindDelete    = uint8(3)
)

// Record is one durable redo-log entry.
type Record struct {
	StorageId uint32
	Kind      uint8
	// Ordinal is strictly monotonic per logger; equal keys resolve in
	// ordinal order so the last writer wins.
	Ordinal uint64
	Epoch   epoch.Epoch
	Key     []byte
	Payload []byte
}

// field numbers of the wire encoding
const (
	fieldStorageId = 1
	fieldKind      = 2
	fieldOrdinal   = 3
	fieldEpoch     = 4
	fieldKey       = 5
	fieldPayload   = 6
)

// Encode appends the wire form of r to buf and returns the result.
func Encode(buf []byte, r *Record) []byte {
	buf = protowire.AppendTag(buf, fieldStorageId, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.StorageId))
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Kind))
	buf = protowire.AppendTag(buf, fieldOrdinal, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.Ordinal)
	buf = protowire.AppendTag(buf, fieldEpoch, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Epoch))
	buf = protowire.AppendTag(buf, fieldKey, protowire.BytesType)
	buf = protowire.AppendBytes(buf, r.Key)
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, r.Payload)
	return buf
}

// Decode parses one record from data.
func Decode(data []byte) (*Record, error) {
	r := &Record{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Wrap(protowire.ParseError(n), "log: consuming tag")
		}
		data = data[n:]
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "log: consuming varint")
			}
			data = data[n:]
			switch num {
			case fieldStorageId:
				r.StorageId = uint32(v)
			case fieldKind:
				r.Kind = uint8(v)
			case fieldOrdinal:
				r.Ordinal = v
			case fieldEpoch:
				r.Epoch = epoch.Epoch(v)
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "log: consuming bytes")
			}
			data = data[n:]
			switch num {
			case fieldKey:
				r.Key = append([]byte(nil), v...)
			case fieldPayload:
				r.Payload = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Wrap(protowire.ParseError(n), "log: skipping field")
			}
			data = data[n:]
		}
	}
	if r.StorageId == 0 {
		return nil, errors.New("log: record without storage id")
	}
	return r, nil
}
