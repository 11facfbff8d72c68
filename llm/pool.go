package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/smallnest/planflow/log"
)

// Factory builds a Gateway for a (model, credential) pair
type Factory func(model, credential string) (Gateway, error)

// Pool shares gateway handles across requests. Handles are keyed by model
// name and a hash of the credential, so the credential itself is never
// held in the key and rotating it naturally selects a fresh handle.
type Pool struct {
	mu      sync.RWMutex
	factory Factory
	entries map[string]Gateway
}

// NewPool creates a pool around a gateway factory
func NewPool(factory Factory) *Pool {
	return &Pool{
		factory: factory,
		entries: make(map[string]Gateway),
	}
}

func poolKey(model, credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return model + ":" + hex.EncodeToString(sum[:])
}

// Get returns the shared gateway for the pair, creating it on first use
func (p *Pool) Get(model, credential string) (Gateway, error) {
	key := poolKey(model, credential)

	p.mu.RLock()
	g, ok := p.entries[key]
	p.mu.RUnlock()
	if ok {
		return g, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok := p.entries[key]; ok {
		return g, nil
	}

	g, err := p.factory(model, credential)
	if err != nil {
		return nil, err
	}
	p.entries[key] = g
	log.Debug("gateway pool: created handle for model %s", model)
	return g, nil
}

// Invalidate drops the handle for the pair, typically on credential rotation
func (p *Pool) Invalidate(model, credential string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, poolKey(model, credential))
}

// Len returns the number of pooled handles
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
