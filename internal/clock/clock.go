// Package clock provides the paired countdown clocks for a timed game.
// Exactly one of the two clocks runs at any instant; SwitchActive moves the
// running side after a move, CancelBoth stops everything at game end.
package clock

import (
	"strings"
	"sync"
	"time"
)

// Color identifies a clock side. The values match the session colors.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

const tickInterval = time.Second

// Preset is one of the supported time controls.
type Preset struct {
	Name     string
	Duration time.Duration
}

// presets mirrors the fixed time-mode labels stored in session documents.
var presets = map[string]time.Duration{
	"bullet (2 minutes)": 2 * time.Minute,
	"blitz (5 minutes)":  5 * time.Minute,
	"rapid (10 minutes)": 10 * time.Minute,
}

// PresetFor resolves a time-mode label. ok is false for unrecognized labels
// (including wildcards); callers must branch to an untimed game explicitly
// rather than falling back to some default duration.
func PresetFor(timeMode string) (Preset, bool) {
	d, ok := presets[strings.TrimSpace(timeMode)]
	if !ok {
		return Preset{}, false
	}
	return Preset{Name: strings.TrimSpace(timeMode), Duration: d}, true
}

// Pair couples the two countdowns. Tick and expiry callbacks fire from the
// pair's own goroutine; the expiry callback fires at most once for the whole
// pair, and never after CancelBoth.
type Pair struct {
	mu        sync.Mutex
	remaining map[Color]time.Duration
	active    Color // "" = both paused
	resumedAt time.Time
	done      chan struct{}
	stopped   bool
	expired   bool

	onTick   func(which Color, remaining time.Duration)
	onExpire func(which Color)
}

// NewPair creates a paused pair with both sides at the preset duration.
// Call SwitchActive to start the first clock.
func NewPair(p Preset, onTick func(Color, time.Duration), onExpire func(Color)) *Pair {
	pair := &Pair{
		remaining: map[Color]time.Duration{White: p.Duration, Black: p.Duration},
		done:      make(chan struct{}),
		onTick:    onTick,
		onExpire:  onExpire,
	}
	go pair.loop()
	return pair
}

// SwitchActive pauses the currently running clock (if any), folding its
// elapsed time into the stored remainder, and resumes the clock of c.
func (p *Pair) SwitchActive(c Color) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.expired {
		return
	}
	p.foldActiveLocked()
	p.active = c
	p.resumedAt = time.Now()
}

// CancelBoth stops the pair permanently. Safe to call more than once and
// safe against a concurrent expiry: after return no further callbacks fire.
func (p *Pair) CancelBoth() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.foldActiveLocked()
	p.active = ""
	p.stopped = true
	close(p.done)
}

// Remaining reports the current remainder for one side.
func (p *Pair) Remaining(c Color) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	rem := p.remaining[c]
	if p.active == c && !p.stopped && !p.expired {
		rem -= time.Since(p.resumedAt)
	}
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Running reports which side's clock is counting down ("" if none).
func (p *Pair) Running() Color {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.expired {
		return ""
	}
	return p.active
}

func (p *Pair) foldActiveLocked() {
	if p.active == "" {
		return
	}
	rem := p.remaining[p.active] - time.Since(p.resumedAt)
	if rem < 0 {
		rem = 0
	}
	p.remaining[p.active] = rem
}

func (p *Pair) loop() {
	t := time.NewTicker(tickInterval)
	defer t.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-t.C:
			tick, expire, which, rem := p.step()
			if expire && p.onExpire != nil {
				p.onExpire(which)
			}
			if tick && p.onTick != nil {
				p.onTick(which, rem)
			}
		}
	}
}

// step advances the running clock by the elapsed wall time and decides which
// callback to fire. The expired flag makes expiry one-shot even if the final
// tick races CancelBoth.
func (p *Pair) step() (tick, expire bool, which Color, rem time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.expired || p.active == "" {
		return false, false, "", 0
	}
	which = p.active
	rem = p.remaining[which] - time.Since(p.resumedAt)
	if rem <= 0 {
		p.remaining[which] = 0
		p.active = ""
		p.expired = true
		return false, true, which, 0
	}
	return true, false, which, rem
}
