// Package transport chunks GATT payloads that exceed the BLE MTU and
// reassembles them on the receiving side.
package transport

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/config/params"
	"github.com/pkg/errors"
)

// HeaderSize is the chunk header length: big-endian uint16 seqNo followed by
// uint16 totalChunks.
const HeaderSize = 4

// Chunking errors.
var (
	ErrEmptyPayload   = errors.New("payload is empty")
	ErrMTUTooSmall    = errors.New("mtu must exceed the header size")
	ErrMissingChunks  = errors.New("reassembly is missing sequence numbers")
	ErrChunkMismatch  = errors.New("chunk header disagrees with reassembly")
	ErrChunkTooShort  = errors.New("chunk shorter than its header")
	ErrTooManyChunks  = errors.New("payload needs more than 65535 chunks")
	ErrReassemblyIdle = errors.New("reassembly timed out waiting for chunks")
)

// EncodeChunks splits data into MTU-sized chunks, each prefixed with the
// 4-byte header. Chunks are emitted in sequence order.
func EncodeChunks(data []byte, mtu int) ([][]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	if mtu <= HeaderSize {
		return nil, ErrMTUTooSmall
	}
	body := mtu - HeaderSize
	total := (len(data) + body - 1) / body
	if total > 0xFFFF {
		return nil, ErrTooManyChunks
	}
	chunks := make([][]byte, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * body
		end := start + body
		if end > len(data) {
			end = len(data)
		}
		chunk := make([]byte, HeaderSize+end-start)
		binary.BigEndian.PutUint16(chunk[0:2], uint16(seq))
		binary.BigEndian.PutUint16(chunk[2:4], uint16(total))
		copy(chunk[HeaderSize:], data[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// DecodeChunks reassembles a complete, ordered chunk slice back into the
// original payload, rejecting gaps and header disagreements.
func DecodeChunks(chunks [][]byte) ([]byte, error) {
	if len(chunks) == 0 {
		return nil, ErrEmptyPayload
	}
	var out []byte
	total := -1
	seen := make(map[uint16]bool, len(chunks))
	for _, c := range chunks {
		if len(c) < HeaderSize {
			return nil, ErrChunkTooShort
		}
		seq := binary.BigEndian.Uint16(c[0:2])
		tc := int(binary.BigEndian.Uint16(c[2:4]))
		if total == -1 {
			total = tc
		} else if total != tc {
			return nil, ErrChunkMismatch
		}
		if seen[seq] {
			return nil, errors.Wrapf(ErrChunkMismatch, "duplicate chunk %d", seq)
		}
		seen[seq] = true
	}
	if len(chunks) != total {
		return nil, ErrMissingChunks
	}
	for want := 0; want < total; want++ {
		found := false
		for _, c := range chunks {
			if int(binary.BigEndian.Uint16(c[0:2])) == want {
				out = append(out, c[HeaderSize:]...)
				found = true
				break
			}
		}
		if !found {
			return nil, ErrMissingChunks
		}
	}
	return out, nil
}

// Reassembler accumulates chunks arriving one at a time over a GATT
// characteristic. It owns its buffer exclusively; callers interact only
// through Add. A reassembly that sees no new chunk within the chunk timeout
// is discarded.
type Reassembler struct {
	lock      sync.Mutex
	total     int
	parts     map[uint16][]byte
	lastChunk time.Time
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{parts: make(map[uint16][]byte)}
}

// Add ingests one chunk. It returns the full payload once every sequence
// number has arrived, or nil while the reassembly is incomplete.
func (r *Reassembler) Add(chunk []byte) ([]byte, error) {
	if len(chunk) < HeaderSize {
		return nil, ErrChunkTooShort
	}
	seq := binary.BigEndian.Uint16(chunk[0:2])
	total := int(binary.BigEndian.Uint16(chunk[2:4]))

	r.lock.Lock()
	defer r.lock.Unlock()

	now := time.Now()
	if len(r.parts) > 0 && now.Sub(r.lastChunk) > params.EdgeCoderConfig().BLEChunkTimeout {
		// Stalled reassembly: drop it and start over with this chunk.
		r.parts = make(map[uint16][]byte)
		r.total = 0
	}
	if r.total == 0 {
		r.total = total
	} else if r.total != total {
		return nil, ErrChunkMismatch
	}
	if int(seq) >= total {
		return nil, ErrChunkMismatch
	}
	body := make([]byte, len(chunk)-HeaderSize)
	copy(body, chunk[HeaderSize:])
	r.parts[seq] = body
	r.lastChunk = now

	if len(r.parts) < r.total {
		return nil, nil
	}
	var out []byte
	for seq := 0; seq < r.total; seq++ {
		part, ok := r.parts[uint16(seq)]
		if !ok {
			return nil, ErrMissingChunks
		}
		out = append(out, part...)
	}
	r.parts = make(map[uint16][]byte)
	r.total = 0
	return out, nil
}
