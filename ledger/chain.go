package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/codyrs82/edgecoder/mesh"
	"github.com/pkg/errors"
)

// GenesisPrevHash seeds the first chain entry.
const GenesisPrevHash = "ORDERING_GENESIS"

// ErrChainCorrupt marks a hash-link mismatch in stored entries. Per the
// error taxonomy this halts the ledger subsystem rather than being retried.
var ErrChainCorrupt = errors.New("ordering chain corrupt")

// Entry is one event in the per-coordinator ordering chain.
type Entry struct {
	SequenceNumber uint64          `json:"sequenceNumber"`
	PrevEventHash  string          `json:"prevEventHash"`
	EventHash      string          `json:"eventHash"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	SignerID       string          `json:"signerId"`
	Signature      string          `json:"signature"`
	Timestamp      int64           `json:"timestamp"`
}

// Persister durably stores appended entries. The in-memory chain is the
// source of truth within a process; persistence is for restart recovery.
type Persister interface {
	SaveOrderingEntry(entry Entry) error
}

// Signer produces the chain signature for an entry hash.
type Signer func(msg []byte) string

// Chain is the append-only, hash-linked event log. Appends are serialised
// by a single lock per the ordering guarantees.
type Chain struct {
	lock      sync.Mutex
	entries   []Entry
	persister Persister
}

// NewChain creates an empty chain. persister may be nil.
func NewChain(persister Persister) *Chain {
	return &Chain{persister: persister}
}

// Restore loads previously persisted entries, verifying the links.
func (c *Chain) Restore(entries []Entry) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries = entries
	return c.verifyLocked()
}

// ComputeEventHash implements the chain hash rule: SHA-256 over
// prevEventHash || canonical(payload) || signerId || ASCII timestamp.
func ComputeEventHash(prevHash string, canonicalPayload []byte, signerID string, timestamp int64) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	h.Write([]byte(signerID))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Append orders a new event into the chain.
func (c *Chain) Append(eventType string, payload interface{}, signerID string, sign Signer) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, errors.Wrap(err, "could not marshal chain payload")
	}
	canonical, err := mesh.Canonicalize(raw)
	if err != nil {
		return Entry{}, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	prev := GenesisPrevHash
	var seq uint64
	if n := len(c.entries); n > 0 {
		prev = c.entries[n-1].EventHash
		seq = c.entries[n-1].SequenceNumber + 1
	}
	ts := time.Now().UnixMilli()
	entry := Entry{
		SequenceNumber: seq,
		PrevEventHash:  prev,
		EventHash:      ComputeEventHash(prev, canonical, signerID, ts),
		EventType:      eventType,
		Payload:        canonical,
		SignerID:       signerID,
		Timestamp:      ts,
	}
	if sign != nil {
		entry.Signature = sign([]byte(entry.EventHash))
	}
	c.entries = append(c.entries, entry)
	if c.persister != nil {
		if err := c.persister.SaveOrderingEntry(entry); err != nil {
			log.WithError(err).Error("Could not persist ordering entry")
		}
	}
	chainHeight.Set(float64(seq + 1))
	return entry, nil
}

// Head returns the latest event hash and sequence number.
func (c *Chain) Head() (string, uint64) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if len(c.entries) == 0 {
		return GenesisPrevHash, 0
	}
	last := c.entries[len(c.entries)-1]
	return last.EventHash, last.SequenceNumber
}

// Len returns the number of entries.
func (c *Chain) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.entries)
}

// Range returns entries with sequence numbers in [from, to].
func (c *Chain) Range(from, to uint64) []Entry {
	c.lock.Lock()
	defer c.lock.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if e.SequenceNumber >= from && e.SequenceNumber <= to {
			out = append(out, e)
		}
	}
	return out
}

// Verify walks the chain and checks every hash link.
func (c *Chain) Verify() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.verifyLocked()
}

func (c *Chain) verifyLocked() error {
	prev := GenesisPrevHash
	for i, e := range c.entries {
		if e.PrevEventHash != prev {
			return errors.Wrapf(ErrChainCorrupt, "entry %d prev hash mismatch", i)
		}
		if e.SequenceNumber != uint64(i) {
			return errors.Wrapf(ErrChainCorrupt, "entry %d sequence gap", i)
		}
		expect := ComputeEventHash(e.PrevEventHash, e.Payload, e.SignerID, e.Timestamp)
		if e.EventHash != expect {
			return errors.Wrapf(ErrChainCorrupt, "entry %d hash mismatch", i)
		}
		prev = e.EventHash
	}
	return nil
}

// HasAncestor reports whether head appears among the last lookback entry
// hashes. Two chains whose heads share no ancestor within the lookback have
// diverged and escalate to the issuance quorum.
func (c *Chain) HasAncestor(head string, lookback int) bool {
	if head == GenesisPrevHash {
		return true
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	start := len(c.entries) - lookback
	if start < 0 {
		start = 0
	}
	for i := len(c.entries) - 1; i >= start; i-- {
		if c.entries[i].EventHash == head {
			return true
		}
	}
	return false
}

// RollbackAfter removes and returns every entry with a sequence number
// greater than seq, used when divergence resolution re-orders events.
func (c *Chain) RollbackAfter(seq uint64) []Entry {
	c.lock.Lock()
	defer c.lock.Unlock()
	idx := len(c.entries)
	for i, e := range c.entries {
		if e.SequenceNumber > seq {
			idx = i
			break
		}
	}
	removed := append([]Entry(nil), c.entries[idx:]...)
	c.entries = c.entries[:idx]
	return removed
}
