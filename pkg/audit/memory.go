package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/signer"
)

// MemoryChain is an in-process, single-node audit chain. It is the
// dev/test implementation; the single mutex around Append is exactly
// the "one head, one writer at a time" discipline PostgresChain gets
// from a row lock on the chain head.
type MemoryChain struct {
	gw      signer.Gateway
	reg     *signer.Registry
	kid     string
	sampler *SamplingPolicy

	mu       sync.RWMutex
	events   []*contracts.AuditEvent
	byID     map[string]int
	headHash string
	clock    func() time.Time
}

// NewMemoryChain creates an empty chain that signs new events with kid
// via gw. sampler may be nil (keep everything).
func NewMemoryChain(gw signer.Gateway, reg *signer.Registry, kid string, sampler *SamplingPolicy) *MemoryChain {
	return &MemoryChain{
		gw:       gw,
		reg:      reg,
		kid:      kid,
		sampler:  sampler,
		byID:     make(map[string]int),
		headHash: genesisPrevHash,
		clock:    time.Now,
	}
}

// WithClock overrides the chain's clock for deterministic tests.
func (c *MemoryChain) WithClock(clock func() time.Time) *MemoryChain {
	c.clock = clock
	return c
}

func (c *MemoryChain) Append(ctx context.Context, eventType string, payload any, metadata map[string]any) (*contracts.AuditEvent, error) {
	if c.sampler != nil && !c.sampler.Keep(eventType) {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	payloadBytes, hash, sig, err := signAndHash(ctx, c.gw, c.kid, eventType, payload, c.headHash)
	if err != nil {
		return nil, err
	}

	ev := &contracts.AuditEvent{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		Payload:      payloadBytes,
		PrevHash:     c.headHash,
		Hash:         hash,
		Signature:    sig,
		SignerKid:    c.kid,
		Timestamp:    c.clock(),
		Metadata:     metadata,
		StreamStatus: contracts.StreamPending,
	}

	c.events = append(c.events, ev)
	c.byID[ev.EventID] = len(c.events) - 1
	c.headHash = hash
	return ev, nil
}

func (c *MemoryChain) GetByID(ctx context.Context, eventID string) (*contracts.AuditEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[eventID]
	if !ok {
		return nil, fmt.Errorf("audit: event %q not found", eventID)
	}
	return c.events[idx], nil
}

func (c *MemoryChain) Range(ctx context.Context, from, to time.Time) ([]*contracts.AuditEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*contracts.AuditEvent, 0)
	for _, e := range c.events {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (c *MemoryChain) Verify(ctx context.Context, events []*contracts.AuditEvent) (bool, string, error) {
	if len(events) == 0 {
		return true, "", nil
	}

	prev := genesisPrevHash
	for _, e := range events {
		if e.PrevHash != prev {
			return false, e.EventID, nil
		}
		if err := verifyEvent(ctx, c.reg, e); err != nil {
			return false, e.EventID, nil
		}
		prev = e.Hash
	}
	return true, "", nil
}

// Head returns the current head hash, exposed for tests and for
// handing to PostgresChain during a migration from dev to prod storage.
func (c *MemoryChain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headHash
}
