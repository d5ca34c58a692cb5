// Package chord implements the magic-key-chord detector: it watches key
// events and signals once every configured key has been held down
// simultaneously and then fully released.
package chord

import (
	"github.com/lierdakil/hoip/internal/evcode"
	"github.com/lierdakil/hoip/internal/wire"
)

// ErrSignal is sent by Stream to mark the event that completed the chord
// (Wait returns nil in that case instead). It is a distinct sentinel so
// callers can tell "the user asked to release" from "the transport failed".
type ErrSignal struct{}

func (ErrSignal) Error() string { return "magic key chord triggered" }

// Detector tracks per-key press state for a fixed chord and edge-signals
// when every key has transitioned from all-down to all-up.
type Detector struct {
	down  map[uint16]int32
	armed bool
}

// New builds a Detector for the given set of key codes.
func New(keys []uint16) *Detector {
	d := &Detector{down: make(map[uint16]int32, len(keys))}
	for _, k := range keys {
		d.down[k] = 0
	}
	return d
}

// Key feeds one key event (code, value) into the detector. It returns true
// exactly on the event that completes an armed chord's release. Keys
// outside the configured chord never affect the detector.
func (d *Detector) Key(code uint16, value int32) bool {
	if _, tracked := d.down[code]; !tracked {
		return false
	}
	d.down[code] = value
	if d.armed && d.allZero() {
		d.armed = false
		return true
	}
	if d.allNonZero() {
		d.armed = true
	}
	return false
}

func (d *Detector) allZero() bool {
	for _, v := range d.down {
		if v != 0 {
			return false
		}
	}
	return true
}

func (d *Detector) allNonZero() bool {
	for _, v := range d.down {
		if v == 0 {
			return false
		}
	}
	return true
}

// Stream wraps a source of events (read from in), writing every event to
// out unless it's the one that completes the chord: that event is dropped
// and ErrSignal is sent on done instead, and the goroutine returns. When in
// closes, nil is sent on done and the goroutine returns. In both cases out
// is closed. Stream is meant to be read via out/done in a select,
// mirroring the blocking map_stream of the original design.
func Stream(keys []uint16, in <-chan wire.Event) (out <-chan wire.Event, done <-chan error) {
	d := New(keys)
	o := make(chan wire.Event)
	e := make(chan error, 1)
	go func() {
		defer close(o)
		for evt := range in {
			if evt.Type == evcode.EV_KEY && d.Key(evt.Code, evt.Value) {
				e <- ErrSignal{}
				return
			}
			o <- evt
		}
		e <- nil
	}()
	return o, e
}

// Wait consumes events from in, discarding them, until the chord fires or
// the source ends/errs.
func Wait(keys []uint16, in <-chan wire.Event) error {
	d := New(keys)
	for evt := range in {
		if evt.Type == evcode.EV_KEY && d.Key(evt.Code, evt.Value) {
			return nil
		}
	}
	return ErrStreamEnded
}

// ErrStreamEnded is returned by Wait when the input stream ends before the
// chord fires.
var ErrStreamEnded = errStreamEnded{}

type errStreamEnded struct{}

func (errStreamEnded) Error() string { return "input stream ended unexpectedly" }
