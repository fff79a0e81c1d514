// Package audit is the two-tier action log: a bounded ring of recent entries
// in memory and the durable ledger behind it. Entries are hash chained so
// later tampering is detectable.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/davidahmann/finagent/internal/crypto"
	"github.com/davidahmann/finagent/internal/ledger"
	"github.com/davidahmann/finagent/internal/metrics"
	"github.com/davidahmann/finagent/pkg/types"
)

const (
	DefaultCapacity = 1000
	genesis         = "genesis"

	maxAppendAttempts = 5
)

var (
	ErrChainBroken  = errors.New("audit: chain broken")
	ErrInvalidEntry = errors.New("audit: invalid entry")
)

type Log struct {
	mu       sync.Mutex
	store    ledger.Store
	logger   *slog.Logger
	now      func() time.Time
	capacity int

	ring  []types.ActionLogEntry
	start int
	size  int
	seq   uint64
	head  string
}

type Option func(*Log)

func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a log writing through to store. A nil store keeps only the ring.
func New(store ledger.Store, opts ...Option) *Log {
	l := &Log{
		store:    store,
		logger:   slog.Default(),
		now:      time.Now,
		capacity: DefaultCapacity,
		head:     genesis,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ring = make([]types.ActionLogEntry, l.capacity)
	return l
}

// Append seals entry into the chain, keeps it in the ring and writes it to
// the durable store. The chain continues from the store's newest entry, so
// several logs sharing one store extend a single chain; a sequence taken by
// another writer is resealed and retried. A durable failure is logged and
// does not fail the call: the entry is already in the ring.
func (l *Log) Append(ctx context.Context, entry types.ActionLogEntry) (types.ActionLogEntry, error) {
	if entry.Agent == "" || entry.Action == "" {
		return types.ActionLogEntry{}, fmt.Errorf("%w: agent and action are required", ErrInvalidEntry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now()
	}
	entry.Timestamp = entry.Timestamp.UTC()

	var durableErr error
	for attempt := 1; ; attempt++ {
		if l.store != nil {
			l.syncHead(ctx)
		}
		sealed, err := l.seal(entry)
		if err != nil {
			return types.ActionLogEntry{}, err
		}
		entry = sealed
		if l.store == nil {
			break
		}
		durableErr = l.store.AppendAction(ctx, entry)
		if !errors.Is(durableErr, ledger.ErrSequenceConflict) || attempt >= maxAppendAttempts {
			break
		}
	}

	l.seq = entry.Sequence
	l.head = entry.Digest
	l.push(entry)

	if durableErr != nil {
		metrics.AuditDurableFailures.Inc()
		l.logger.Warn("durable audit write failed",
			"agent", entry.Agent,
			"action", entry.Action,
			"item_id", entry.ItemID,
			"sequence", entry.Sequence,
			"error", durableErr,
		)
	}
	return entry, nil
}

// syncHead moves the local head forward to the store's newest entry. It is
// best effort: an unreadable store leaves the local head in place.
func (l *Log) syncHead(ctx context.Context) {
	last, err := l.store.LastAction(ctx)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return
	case err != nil:
		l.logger.Warn("reading audit chain head failed", "error", err)
		return
	}
	if last.Digest != "" && last.Sequence > l.seq {
		l.seq = last.Sequence
		l.head = last.Digest
	}
}

func (l *Log) seal(entry types.ActionLogEntry) (types.ActionLogEntry, error) {
	entry.Sequence = l.seq + 1
	entry.PreviousDigest = l.head
	entry.Digest = ""
	digest, err := Digest(entry)
	if err != nil {
		return types.ActionLogEntry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	entry.Digest = digest
	return entry, nil
}

func (l *Log) push(entry types.ActionLogEntry) {
	if l.size < l.capacity {
		l.ring[(l.start+l.size)%l.capacity] = entry
		l.size++
		return
	}
	l.ring[l.start] = entry
	l.start = (l.start + 1) % l.capacity
}

// Recent returns up to n of the newest entries, oldest first. n <= 0 returns all.
func (l *Log) Recent(n int) []types.ActionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.collect(n, func(types.ActionLogEntry) bool { return true })
}

// ForAgent is Recent filtered to one agent.
func (l *Log) ForAgent(agent string, n int) []types.ActionLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.collect(n, func(e types.ActionLogEntry) bool { return e.Agent == agent })
}

func (l *Log) collect(n int, keep func(types.ActionLogEntry) bool) []types.ActionLogEntry {
	var out []types.ActionLogEntry
	for i := l.size - 1; i >= 0; i-- {
		e := l.ring[(l.start+i)%l.capacity]
		if !keep(e) {
			continue
		}
		out = append(out, e)
		if n > 0 && len(out) >= n {
			break
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Head returns the digest of the newest entry, or "genesis".
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// Verify checks the chain of the entries still held in the ring. When other
// logs write to the same store the ring has gaps; use VerifyChain on the
// store's entries instead.
func (l *Log) Verify() error {
	return VerifyChain(l.Recent(0))
}

// Resume continues the chain from the durable store and refills the ring
// with its newest entries. Call it once before the first Append.
func (l *Log) Resume(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	entries, err := l.store.ListActions(ctx, ledger.ActionFilter{})
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	if err := VerifyChain(entries); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(entries) > l.capacity {
		entries = entries[len(entries)-l.capacity:]
	}
	l.start, l.size = 0, 0
	for _, e := range entries {
		l.push(e)
	}
	last := entries[len(entries)-1]
	l.seq = last.Sequence
	l.head = last.Digest
	return nil
}

// Digest hashes the canonical form of entry without its own digest.
func Digest(entry types.ActionLogEntry) (string, error) {
	entry.Digest = ""
	return crypto.DigestValue(entry)
}

// VerifyChain recomputes every digest and checks that each entry points at
// its predecessor. The first entry must point at genesis only when it is
// sequence 1, so a tail of the chain also verifies.
func VerifyChain(entries []types.ActionLogEntry) error {
	for i, e := range entries {
		switch {
		case i == 0 && e.Sequence == 1 && e.PreviousDigest != genesis:
			return fmt.Errorf("%w: entry %d does not start at genesis", ErrChainBroken, e.Sequence)
		case i > 0 && e.PreviousDigest != entries[i-1].Digest:
			return fmt.Errorf("%w: entry %d has previous digest %s, expected %s",
				ErrChainBroken, e.Sequence, e.PreviousDigest, entries[i-1].Digest)
		case i > 0 && e.Sequence != entries[i-1].Sequence+1:
			return fmt.Errorf("%w: sequence gap at %d", ErrChainBroken, e.Sequence)
		}
		computed, err := Digest(e)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrChainBroken, e.Sequence, err)
		}
		if computed != e.Digest {
			return fmt.Errorf("%w: entry %d digest mismatch (computed %s, stored %s)",
				ErrChainBroken, e.Sequence, computed, e.Digest)
		}
	}
	return nil
}
