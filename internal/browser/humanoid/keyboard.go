package humanoid

import (
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/xkilldash9x/autoreg/internal/config"
)

// commonNgrams are typed faster than arbitrary letter pairs.
var commonNgrams = map[string]bool{
	"th": true, "he": true, "in": true, "er": true, "an": true, "re": true,
	"es": true, "on": true, "st": true, "nt": true, "co": true, "om": true,
	"the": true, "and": true, "ing": true, "ion": true, "tio": true, "com": true,
}

// Cadence produces human-like inter-key delays. It keeps a fatigue level that grows
// with every typed character, so long forms get gradually slower. Safe for concurrent
// use; each run normally owns its own Cadence.
type Cadence struct {
	mu      sync.Mutex
	cfg     config.TypingConfig
	rng     *rand.Rand
	fatigue float64
}

// NewCadence creates a cadence model. A zero seed picks a time-based seed.
func NewCadence(cfg config.TypingConfig, seed int64) *Cadence {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Cadence{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Delays returns the pause after each rune of text. speed scales every delay
// (1.0 is nominal, larger is slower). A disabled cadence returns nil.
func (c *Cadence) Delays(text string, speed float64) []time.Duration {
	if c == nil || !c.cfg.Enabled || text == "" {
		return nil
	}
	if speed <= 0 {
		speed = 1.0
	}
	runes := []rune(text)
	out := make([]time.Duration, len(runes))

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range runes {
		out[i] = c.keyPause(runes, i, speed)
		c.fatigue = math.Min(1.0, c.fatigue+c.cfg.FatigueIncrease)
	}
	return out
}

// Fatigue reports the current fatigue level in [0, 1].
func (c *Cadence) Fatigue() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatigue
}

// Rest resets fatigue, e.g. between attempts.
func (c *Cadence) Rest() {
	c.mu.Lock()
	c.fatigue = 0
	c.mu.Unlock()
}

// keyPause samples one inter-key delay. Callers hold c.mu.
func (c *Cadence) keyPause(runes []rune, i int, speed float64) time.Duration {
	cfg := c.cfg
	mean := cfg.KeyPauseMeanMs * speed
	minDelay := cfg.KeyPauseMinMs * speed

	factor := 1.0
	switch {
	case i > 1 && commonNgrams[strings.ToLower(string(runes[i-2:i+1]))]:
		factor = cfg.NgramFactor3
	case i > 0 && commonNgrams[strings.ToLower(string(runes[i-1:i+1]))]:
		factor = cfg.NgramFactor2
	case unicode.IsSpace(runes[i]) || unicode.IsPunct(runes[i]):
		// Word boundaries carry a short cognitive pause.
		factor = cfg.WordPauseFactor
	}
	if factor <= 0 {
		factor = 1.0
	}
	mean *= factor
	minDelay *= math.Min(factor, 1.0)
	mean *= 1.0 + c.fatigue*cfg.FatigueFactor

	delay := c.rng.NormFloat64()*cfg.KeyPauseStdDevMs*speed + mean
	delay = math.Max(minDelay, delay)
	if cfg.KeyPauseMaxMs > 0 {
		delay = math.Min(delay, cfg.KeyPauseMaxMs*speed)
	}
	return time.Duration(delay * float64(time.Millisecond))
}
