package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrChainBroken = errors.New("audit hash chain is broken")
	ErrNoSink      = errors.New("fail-closed: audit sink not configured")
)

// GenesisHash is the previous-hash of the first entry in a chain.
const GenesisHash = "genesis"

// Entry is one sealed, append-only audit record.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         EventType       `json:"type"`
	Action       string          `json:"action"`
	Resource     string          `json:"resource"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Seal assigns the chain position and computes the payload and entry hashes.
func (e *Entry) Seal(sequence uint64, previousHash string) error {
	e.Sequence = sequence
	e.PreviousHash = previousHash
	e.PayloadHash = computeHash(e.Payload)
	h, err := e.computeEntryHash()
	if err != nil {
		return err
	}
	e.EntryHash = h
	return nil
}

func (e *Entry) computeEntryHash() (string, error) {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Type         EventType `json:"type"`
		Action       string    `json:"action"`
		Resource     string    `json:"resource"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp.UTC(), e.Type, e.Action, e.Resource, e.PayloadHash, e.PreviousHash}

	data, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entry for hashing: %w", err)
	}
	return computeHash(data), nil
}

func computeHash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// VerifyChain checks sequence continuity, previous-hash links and entry hashes.
func VerifyChain(entries []*Entry) error {
	expectedPrev := GenesisHash
	for i, entry := range entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: entry %d has previous_hash %s but expected %s",
				ErrChainBroken, entry.Sequence, entry.PreviousHash, expectedPrev)
		}
		if entry.Sequence != uint64(i+1) {
			return fmt.Errorf("%w: sequence gap at %d", ErrChainBroken, entry.Sequence)
		}
		if entry.PayloadHash != computeHash(entry.Payload) {
			return fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, entry.Sequence)
		}
		computed, err := entry.computeEntryHash()
		if err != nil {
			return fmt.Errorf("%w: entry %d: %w", ErrChainBroken, entry.Sequence, err)
		}
		if computed != entry.EntryHash {
			return fmt.Errorf("%w: entry %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, entry.Sequence, computed, entry.EntryHash)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

// Sink persists sealed entries. Implementations must seal and insert
// atomically with respect to the current chain head.
type Sink interface {
	AppendAudit(ctx context.Context, entry *Entry) (*Entry, error)
}

// MemorySink is an in-process Sink.
type MemorySink struct {
	mu      sync.Mutex
	entries []*Entry
	head    string
}

// NewMemorySink creates an empty in-memory chain.
func NewMemorySink() *MemorySink {
	return &MemorySink{head: GenesisHash}
}

// AppendAudit seals and appends entry.
func (s *MemorySink) AppendAudit(_ context.Context, entry *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *entry
	if err := e.Seal(uint64(len(s.entries))+1, s.head); err != nil {
		return nil, err
	}
	s.entries = append(s.entries, &e)
	s.head = e.EntryHash
	return &e, nil
}

// Entries returns a copy of the chain.
func (s *MemorySink) Entries() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// ByType returns the entries of one event type.
func (s *MemorySink) ByType(t EventType) []*Entry {
	var out []*Entry
	for _, e := range s.Entries() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
