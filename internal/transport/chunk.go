package transport

import (
	"context"
	"fmt"

	"treekv/internal/objects"
	"treekv/internal/repo"
	pb "treekv/pkg/proto"
)

const (
	// chunkSize is the largest piece of an object carried by one frame.
	// Objects above it are moved with get-chunk and put-chunk.
	chunkSize = 4 << 20
	// MaxObjectSize bounds an object assembled from pieces.
	MaxObjectSize = 1 << 30
)

// partialObject is an object being moved piece by piece.
type partialObject struct {
	hash objects.Hash
	size uint64
	data []byte
}

// connState is what the server keeps for one connection between requests:
// the upload being assembled and the last object served in pieces.
type connState struct {
	upload *partialObject
	served *partialObject
}

// object returns the encoded object h, reusing the last one read so a
// chunked download reads it from the store once.
func (st *connState) object(ctx context.Context, r *repo.Repo, h objects.Hash) ([]byte, error) {
	if st.served != nil && st.served.hash == h {
		return st.served.data, nil
	}
	datas, err := r.GetObjects(ctx, []objects.Hash{h})
	if err != nil {
		return nil, err
	}
	st.served = &partialObject{hash: h, size: uint64(len(datas[0])), data: datas[0]}
	return datas[0], nil
}

// receive appends piece to the upload of h. Pieces must arrive in order;
// the first one starts at offset zero. It returns the whole object once
// the last piece is in and the content matches h.
func (st *connState) receive(h objects.Hash, offset, size uint64, piece []byte) ([]byte, bool, error) {
	if size == 0 || size > MaxObjectSize {
		st.upload = nil
		return nil, false, fmt.Errorf("object size %d out of range", size)
	}
	if offset == 0 {
		st.upload = &partialObject{hash: h, size: size}
	}
	up := st.upload
	if up == nil || up.hash != h || up.size != size || uint64(len(up.data)) != offset {
		st.upload = nil
		return nil, false, fmt.Errorf("piece of %s at %d does not continue an upload", h.Short(), offset)
	}
	if len(piece) == 0 || offset+uint64(len(piece)) > size {
		st.upload = nil
		return nil, false, fmt.Errorf("piece of %s at %d has %d bytes for an object of %d", h.Short(), offset, len(piece), size)
	}
	up.data = append(up.data, piece...)
	if uint64(len(up.data)) < size {
		return nil, false, nil
	}
	st.upload = nil
	if objects.Sum(up.data) != h {
		return nil, false, fmt.Errorf("%w: assembled %s does not match its content", objects.ErrCorrupt, h.Short())
	}
	return up.data, true, nil
}

func singleHash(raw [][]byte) (objects.Hash, error) {
	if len(raw) != 1 {
		return objects.ZeroHash, fmt.Errorf("want one hash, got %d", len(raw))
	}
	return objects.HashFromBytes(raw[0])
}

// getChunked fetches the object h of the given size in pieces.
func (c *Client) getChunked(ctx context.Context, h objects.Hash, size uint64) ([]byte, error) {
	if size > MaxObjectSize {
		return nil, fmt.Errorf("get-chunk: object %s has %d bytes, limit is %d", h.Short(), size, MaxObjectSize)
	}
	data := make([]byte, 0, size)
	for uint64(len(data)) < size {
		resp, err := c.call(ctx, &pb.Request{Op: pb.OpGetChunk, Hashes: [][]byte{h[:]}, Offset: uint64(len(data))})
		if err != nil {
			return nil, err
		}
		if resp.Size != size || len(resp.Objects) != 1 || len(resp.Objects[0]) == 0 ||
			uint64(len(data)+len(resp.Objects[0])) > size {
			return nil, fmt.Errorf("get-chunk: bad piece of %s at %d", h.Short(), len(data))
		}
		data = append(data, resp.Objects[0]...)
	}
	tlog.Debug("fetched object in pieces", "object", h.Short(), "bytes", size)
	return data, nil
}

// putChunked sends one encoded object in pieces of chunkSize.
func (c *Client) putChunked(ctx context.Context, data []byte) error {
	if len(data) > MaxObjectSize {
		return fmt.Errorf("put-chunk: object has %d bytes, limit is %d", len(data), MaxObjectSize)
	}
	h := objects.Sum(data)
	for off := 0; off < len(data); off += chunkSize {
		end := min(off+chunkSize, len(data))
		_, err := c.call(ctx, &pb.Request{
			Op:      pb.OpPutChunk,
			Hashes:  [][]byte{h[:]},
			Objects: [][]byte{data[off:end]},
			Offset:  uint64(off),
			Size:    uint64(len(data)),
		})
		if err != nil {
			return err
		}
	}
	tlog.Debug("sent object in pieces", "object", h.Short(), "bytes", len(data))
	return nil
}
