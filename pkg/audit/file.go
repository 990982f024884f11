package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/foundryrelease/kernel/pkg/contracts"
	"github.com/foundryrelease/kernel/pkg/signer"
)

// FileChain is a single-node, file-backed audit chain for the dev/demo
// topology: everything MemoryChain does, plus a
// JSON snapshot written to disk after every Append so the chain survives
// a process restart.
type FileChain struct {
	path    string
	gw      signer.Gateway
	reg     *signer.Registry
	kid     string
	sampler *SamplingPolicy
	clock   func() time.Time

	mu       sync.RWMutex
	events   []*contracts.AuditEvent
	byID     map[string]int
	headHash string
}

// NewFileChain loads an existing chain from path, or starts a fresh one
// if the file does not exist.
func NewFileChain(path string, gw signer.Gateway, reg *signer.Registry, kid string, sampler *SamplingPolicy) (*FileChain, error) {
	c := &FileChain{
		path:     path,
		gw:       gw,
		reg:      reg,
		kid:      kid,
		sampler:  sampler,
		clock:    time.Now,
		byID:     make(map[string]int),
		headHash: genesisPrevHash,
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *FileChain) load() error {
	if _, err := os.Stat(c.path); os.IsNotExist(err) {
		return nil
	}
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("audit: read chain file: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}
	var events []*contracts.AuditEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return fmt.Errorf("audit: parse chain file: %w", err)
	}
	c.events = events
	for i, e := range events {
		c.byID[e.EventID] = i
	}
	if len(events) > 0 {
		c.headHash = events[len(events)-1].Hash
	}
	return nil
}

func (c *FileChain) persist() error {
	data, err := json.MarshalIndent(c.events, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: marshal chain file: %w", err)
	}
	return os.WriteFile(c.path, data, 0600)
}

func (c *FileChain) Append(ctx context.Context, eventType string, payload any, metadata map[string]any) (*contracts.AuditEvent, error) {
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

	if err := c.persist(); err != nil {
		// Roll back in-memory state: a failed write must not advance the
		// head without a durable record.
		c.events = c.events[:len(c.events)-1]
		delete(c.byID, ev.EventID)
		c.headHash = ev.PrevHash
		return nil, fmt.Errorf("audit: persist chain: %w", err)
	}
	return ev, nil
}

func (c *FileChain) GetByID(ctx context.Context, eventID string) (*contracts.AuditEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.byID[eventID]
	if !ok {
		return nil, fmt.Errorf("audit: event %q not found", eventID)
	}
	return c.events[idx], nil
}

func (c *FileChain) Range(ctx context.Context, from, to time.Time) ([]*contracts.AuditEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*contracts.AuditEvent
	for _, e := range c.events {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (c *FileChain) Verify(ctx context.Context, events []*contracts.AuditEvent) (bool, string, error) {
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
