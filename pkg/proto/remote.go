// Package proto defines the messages exchanged between a remote client and
// a served repository. Messages use protobuf wire encoding; each Request
// gets exactly one Response carrying the same ID.
package proto

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Op selects the repository operation a Request asks for.
type Op uint8

const (
	OpRef Op = iota + 1
	OpSwapRef
	OpHasObjects
	OpGetObjects
	OpPutObjects
	OpGetChunk
	OpPutChunk
)

func (op Op) String() string {
	switch op {
	case OpRef:
		return "ref"
	case OpSwapRef:
		return "cas-ref"
	case OpHasObjects:
		return "has-objects"
	case OpGetObjects:
		return "get-objects"
	case OpPutObjects:
		return "put-objects"
	case OpGetChunk:
		return "get-chunk"
	case OpPutChunk:
		return "put-chunk"
	default:
		return fmt.Sprintf("op(%d)", op)
	}
}

var ErrMalformed = errors.New("malformed message")

// Request is a client call. Which fields are meaningful depends on Op:
// Ref for OpRef and OpSwapRef, Old and New for OpSwapRef, Hashes for
// OpHasObjects and OpGetObjects, Objects for OpPutObjects.
//
// Objects too large for one frame move in pieces. OpGetChunk asks for the
// piece of object Hashes[0] starting at Offset. OpPutChunk sends the piece
// Objects[0] of object Hashes[0] at Offset, with Size the object's full
// length.
type Request struct {
	ID      string
	Op      Op
	Ref     string
	Old     []byte
	New     []byte
	Hashes  [][]byte
	Objects [][]byte
	Offset  uint64
	Size    uint64
}

const (
	reqID      protowire.Number = 1
	reqOp      protowire.Number = 2
	reqRef     protowire.Number = 3
	reqOld     protowire.Number = 4
	reqNew     protowire.Number = 5
	reqHashes  protowire.Number = 6
	reqObjects protowire.Number = 7
	reqOffset  protowire.Number = 8
	reqSize    protowire.Number = 9
)

// Marshal encodes the request.
func (m *Request) Marshal() []byte {
	var b []byte
	b = appendString(b, reqID, m.ID)
	b = protowire.AppendTag(b, reqOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Op))
	b = appendString(b, reqRef, m.Ref)
	b = appendBytes(b, reqOld, m.Old)
	b = appendBytes(b, reqNew, m.New)
	for _, h := range m.Hashes {
		b = protowire.AppendTag(b, reqHashes, protowire.BytesType)
		b = protowire.AppendBytes(b, h)
	}
	for _, o := range m.Objects {
		b = protowire.AppendTag(b, reqObjects, protowire.BytesType)
		b = protowire.AppendBytes(b, o)
	}
	b = appendVarint(b, reqOffset, m.Offset)
	b = appendVarint(b, reqSize, m.Size)
	return b
}

// UnmarshalRequest decodes a request. Unknown fields are skipped.
func UnmarshalRequest(b []byte) (*Request, error) {
	m := &Request{}
	err := walk(b, func(num protowire.Number, v []byte, n uint64) {
		switch num {
		case reqID:
			m.ID = string(v)
		case reqOp:
			m.Op = Op(n)
		case reqRef:
			m.Ref = string(v)
		case reqOld:
			m.Old = v
		case reqNew:
			m.New = v
		case reqHashes:
			m.Hashes = append(m.Hashes, v)
		case reqObjects:
			m.Objects = append(m.Objects, v)
		case reqOffset:
			m.Offset = n
		case reqSize:
			m.Size = n
		}
	})
	if err != nil {
		return nil, err
	}
	if m.Op < OpRef || m.Op > OpPutChunk {
		return nil, fmt.Errorf("%w: unknown op %d", ErrMalformed, m.Op)
	}
	return m, nil
}

// Response answers the Request with the same ID. A non-empty Error means
// the call failed and no other field is set.
//
// Size is the full length of an object that does not fit in one frame. It
// comes with an OpGetChunk piece, or with an OpGetObjects response that
// holds no objects because the first one asked for is that large.
type Response struct {
	ID      string
	Error   string
	Hash    []byte
	Swapped bool
	Have    []bool
	Objects [][]byte
	Size    uint64
}

const (
	respID      protowire.Number = 1
	respError   protowire.Number = 2
	respHash    protowire.Number = 3
	respSwapped protowire.Number = 4
	respHave    protowire.Number = 5
	respObjects protowire.Number = 6
	respSize    protowire.Number = 7
)

// Marshal encodes the response.
func (m *Response) Marshal() []byte {
	var b []byte
	b = appendString(b, respID, m.ID)
	b = appendString(b, respError, m.Error)
	b = appendBytes(b, respHash, m.Hash)
	if m.Swapped {
		b = protowire.AppendTag(b, respSwapped, protowire.VarintType)
		b = protowire.AppendVarint(b, 1)
	}
	if len(m.Have) > 0 {
		packed := make([]byte, 0, len(m.Have))
		for _, h := range m.Have {
			packed = protowire.AppendVarint(packed, protowire.EncodeBool(h))
		}
		b = protowire.AppendTag(b, respHave, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	for _, o := range m.Objects {
		b = protowire.AppendTag(b, respObjects, protowire.BytesType)
		b = protowire.AppendBytes(b, o)
	}
	b = appendVarint(b, respSize, m.Size)
	return b
}

// UnmarshalResponse decodes a response. Unknown fields are skipped.
func UnmarshalResponse(b []byte) (*Response, error) {
	m := &Response{}
	var haveErr error
	err := walk(b, func(num protowire.Number, v []byte, n uint64) {
		switch num {
		case respID:
			m.ID = string(v)
		case respError:
			m.Error = string(v)
		case respHash:
			m.Hash = v
		case respSwapped:
			m.Swapped = protowire.DecodeBool(n)
		case respHave:
			for len(v) > 0 {
				x, k := protowire.ConsumeVarint(v)
				if k < 0 {
					haveErr = fmt.Errorf("%w: have list", ErrMalformed)
					return
				}
				m.Have = append(m.Have, protowire.DecodeBool(x))
				v = v[k:]
			}
		case respObjects:
			m.Objects = append(m.Objects, v)
		case respSize:
			m.Size = n
		}
	})
	if err != nil {
		return nil, err
	}
	if haveErr != nil {
		return nil, haveErr
	}
	return m, nil
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walk calls fn for every varint and length-delimited field of b. Other
// wire types are skipped.
func walk(b []byte, fn func(num protowire.Number, v []byte, n uint64)) error {
	for len(b) > 0 {
		num, typ, k := protowire.ConsumeTag(b)
		if k < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(k))
		}
		b = b[k:]
		switch typ {
		case protowire.VarintType:
			n, k := protowire.ConsumeVarint(b)
			if k < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(k))
			}
			fn(num, nil, n)
			b = b[k:]
		case protowire.BytesType:
			v, k := protowire.ConsumeBytes(b)
			if k < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(k))
			}
			fn(num, v, 0)
			b = b[k:]
		default:
			k := protowire.ConsumeFieldValue(num, typ, b)
			if k < 0 {
				return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(k))
			}
			b = b[k:]
		}
	}
	return nil
}
