// Package llm provides the script-generation client and the API key
// pool that spreads requests across rate-limited provider keys.
package llm

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCooldown is how long a key sits out after a rate-limit hit.
const DefaultCooldown = 10 * time.Minute

type apiKey struct {
	key         string
	failures    int
	lastFailure time.Time
}

// KeyPool rotates provider API keys. Selection prefers the key with the
// fewest failures whose cooldown has elapsed; when every key is cooling
// down, the one that failed longest ago is returned so traffic degrades
// instead of stopping.
type KeyPool struct {
	mu       sync.Mutex
	keys     []*apiKey
	cooldown time.Duration
	now      func() time.Time
}

// NewKeyPool creates a pool over the given keys with the default
// 10-minute cooldown.
func NewKeyPool(keys []string) (*KeyPool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no API keys provided")
	}
	pool := &KeyPool{cooldown: DefaultCooldown, now: time.Now}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		pool.keys = append(pool.keys, &apiKey{key: k})
	}
	if len(pool.keys) == 0 {
		return nil, fmt.Errorf("no API keys provided")
	}
	return pool, nil
}

// SetCooldown overrides the cooldown. Test helper.
func (p *KeyPool) SetCooldown(d time.Duration) { p.cooldown = d }

// SetClock overrides the clock. Test helper.
func (p *KeyPool) SetClock(now func() time.Time) { p.now = now }

// Select returns the key to use for the next request.
func (p *KeyPool) Select() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var best *apiKey
	for _, k := range p.keys {
		if !k.lastFailure.IsZero() && now.Sub(k.lastFailure) < p.cooldown {
			continue
		}
		if best == nil || k.failures < best.failures {
			best = k
		}
	}
	if best != nil {
		return best.key
	}

	// Every key is cooling down: pick the oldest failure.
	oldest := p.keys[0]
	for _, k := range p.keys[1:] {
		if k.lastFailure.Before(oldest.lastFailure) {
			oldest = k
		}
	}
	slog.Warn("All LLM keys cooling down, reusing oldest-failed key",
		"failures", oldest.failures)
	return oldest.key
}

// Report records the outcome of a request made with key. A 429
// increments the failure counter and starts the cooldown; a 2xx resets
// the counter. Other statuses leave the key untouched.
func (p *KeyPool) Report(key string, status int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, k := range p.keys {
		if k.key != key {
			continue
		}
		switch {
		case status == 429:
			k.failures++
			k.lastFailure = p.now()
			slog.Warn("LLM key rate-limited", "failures", k.failures)
		case status >= 200 && status < 300:
			k.failures = 0
		}
		return
	}
}

// Size returns the number of keys in the pool.
func (p *KeyPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}
