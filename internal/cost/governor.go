// Package cost tracks per-call usage of the paid capabilities and enforces
// a hard budget ceiling plus a target burn rate. The orchestrator consults
// Allow before generating each reply and ends the call gracefully when a
// limit is crossed.
package cost

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tiktoken-go/tokenizer"
)

// Rates are USD per unit for each capability.
type Rates struct {
	TelephonyPerMinute float64
	STTPerSecond       float64
	LLMInPer1KTokens   float64
	LLMOutPer1KTokens  float64
	TTSPerChar         float64
}

// DefaultRates approximates current list pricing for the default providers.
func DefaultRates() Rates {
	return Rates{
		TelephonyPerMinute: 0.014,
		STTPerSecond:       0.0001,
		LLMInPer1KTokens:   0.0005,
		LLMOutPer1KTokens:  0.0015,
		TTSPerChar:         0.00003,
	}
}

// Limits bound a single call and the ledger as a whole.
type Limits struct {
	Budget      float64       // USD ceiling per call
	MaxBurnRate float64       // USD per minute; 0 disables the check
	Capacity    int           // max tracked calls before oldest eviction
	StaleAfter  time.Duration // entries older than this are swept
}

// Usage is the raw per-call consumption.
type Usage struct {
	STTSeconds   float64 `json:"sttSeconds"`
	LLMTokensIn  int     `json:"llmTokensIn"`
	LLMTokensOut int     `json:"llmTokensOut"`
	TTSChars     int     `json:"ttsChars"`
}

type entry struct {
	startedAt time.Time
	lastSeen  time.Time
	usage     Usage
}

// Decision is the outcome of a budget check.
type Decision struct {
	Allowed  bool
	Reason   string
	Cost     float64
	BurnRate float64
}

// Governor is the shared, concurrency-safe cost ledger.
type Governor struct {
	mu      sync.Mutex
	rates   Rates
	limits  Limits
	entries map[string]*entry
	codec   tokenizer.Codec
	now     func() time.Time
}

// NewGovernor builds a governor with the cl100k tokenizer for LLM token
// accounting. Tokenizer load failure falls back to a length/4 estimate.
func NewGovernor(rates Rates, limits Limits) *Governor {
	if limits.Capacity <= 0 {
		limits.Capacity = 1000
	}
	if limits.StaleAfter <= 0 {
		limits.StaleAfter = time.Hour
	}
	g := &Governor{
		rates:   rates,
		limits:  limits,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		slog.Warn("tokenizer unavailable, using length estimate", "error", err)
	} else {
		g.codec = codec
	}
	return g
}

// Open creates the ledger entry for a call, evicting the oldest entry if the
// table is at capacity.
func (g *Governor) Open(callID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[callID]; ok {
		return
	}
	if len(g.entries) >= g.limits.Capacity {
		g.evictOldestLocked()
	}
	now := g.now()
	g.entries[callID] = &entry{startedAt: now, lastSeen: now}
}

func (g *Governor) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, e := range g.entries {
		if oldestID == "" || e.startedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = e.startedAt
		}
	}
	if oldestID != "" {
		slog.Warn("cost ledger at capacity, evicting oldest call", "callId", oldestID)
		delete(g.entries, oldestID)
	}
}

// AddSTT records transcribed audio seconds.
func (g *Governor) AddSTT(callID string, seconds float64) {
	g.update(callID, func(u *Usage) { u.STTSeconds += seconds })
}

// AddLLM records token usage from one generation, counting both sides with
// the tokenizer.
func (g *Governor) AddLLM(callID, prompt, reply string) {
	in := g.CountTokens(prompt)
	out := g.CountTokens(reply)
	g.update(callID, func(u *Usage) {
		u.LLMTokensIn += in
		u.LLMTokensOut += out
	})
}

// AddTTS records synthesized characters.
func (g *Governor) AddTTS(callID, text string) {
	n := len([]rune(text))
	g.update(callID, func(u *Usage) { u.TTSChars += n })
}

func (g *Governor) update(callID string, fn func(*Usage)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[callID]
	if !ok {
		return
	}
	fn(&e.usage)
	e.lastSeen = g.now()
}

// CountTokens returns the LLM token count for text.
func (g *Governor) CountTokens(text string) int {
	if g.codec == nil {
		return (len(text) + 3) / 4
	}
	ids, _, err := g.codec.Encode(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(ids)
}

func (g *Governor) costLocked(e *entry) (cost, burnRate float64) {
	minutes := g.now().Sub(e.startedAt).Minutes()
	cost = minutes*g.rates.TelephonyPerMinute +
		e.usage.STTSeconds*g.rates.STTPerSecond +
		float64(e.usage.LLMTokensIn)/1000*g.rates.LLMInPer1KTokens +
		float64(e.usage.LLMTokensOut)/1000*g.rates.LLMOutPer1KTokens +
		float64(e.usage.TTSChars)*g.rates.TTSPerChar
	if minutes > 0 {
		burnRate = cost / minutes
	}
	return cost, burnRate
}

// Cost returns the current accumulated cost for a call, false if untracked.
func (g *Governor) Cost(callID string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[callID]
	if !ok {
		return 0, false
	}
	cost, _ := g.costLocked(e)
	return cost, true
}

// Allow reports whether the call may keep spending.
func (g *Governor) Allow(callID string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[callID]
	if !ok {
		// Untracked calls are not blocked; finalize already released them.
		return Decision{Allowed: true, Reason: "untracked"}
	}
	cost, burn := g.costLocked(e)
	d := Decision{Allowed: true, Cost: cost, BurnRate: burn}
	if g.limits.Budget > 0 && cost >= g.limits.Budget {
		d.Allowed = false
		d.Reason = "budget exceeded"
		return d
	}
	if g.limits.MaxBurnRate > 0 && burn > g.limits.MaxBurnRate {
		d.Allowed = false
		d.Reason = "burn rate exceeded"
	}
	return d
}

// Close releases a call's entry and returns its final usage and cost.
func (g *Governor) Close(callID string) (Usage, float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[callID]
	if !ok {
		return Usage{}, 0, false
	}
	cost, _ := g.costLocked(e)
	delete(g.entries, callID)
	return e.usage, cost, true
}

// Sweep removes entries whose call went quiet past the staleness window.
// Returns the number removed.
func (g *Governor) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.limits.StaleAfter)
	removed := 0
	for id, e := range g.entries {
		if e.lastSeen.Before(cutoff) {
			delete(g.entries, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("swept stale cost entries", "count", removed)
	}
	return removed
}

// Len reports the number of tracked calls.
func (g *Governor) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
