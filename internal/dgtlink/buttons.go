package dgtlink

import "sync"

// Button codes emitted by classifyButtonEvent.
const (
	ButtonOnOffPress   uint8 = 0x20
	ButtonOnOffRelease uint8 = 0xA0
	ButtonLeverLeft    uint8 = 0xC0
	ButtonLeverRight   uint8 = 0x40

	mainButtonMask uint8 = 0x1F
	onOffBit       uint8 = 0x20
	leverBit       uint8 = 0x40
)

// classifyButtonEvent derives exactly one button event code from a
// (current, previous) state pair, in priority order: on/off bit first,
// then lever bit, then any newly-pressed main button. Returns (0, false)
// if current == previous (nothing changed).
func classifyButtonEvent(current, previous uint8) (code uint8, ok bool) {
	changed := current ^ previous
	if changed == 0 {
		return 0, false
	}
	switch {
	case changed&onOffBit != 0:
		if current&onOffBit != 0 {
			return ButtonOnOffPress, true
		}
		return ButtonOnOffRelease, true
	case changed&leverBit != 0:
		if current&leverBit != 0 {
			return ButtonLeverLeft, true
		}
		return ButtonLeverRight, true
	default:
		pressed := changed & current & mainButtonMask
		if pressed != 0 {
			return pressed, true
		}
		return 0, false
	}
}

// buttonRingCapacity is the fixed ring buffer size.
const buttonRingCapacity = 16

// buttonRing is a fixed-capacity overwrite-oldest ring buffer of button
// event codes. It is written only by the slave-receive callback (single
// producer) and drained only by the clock task loop (single consumer);
// the mutex exists solely to make that producer/consumer handoff visible
// across goroutines, not to arbitrate concurrent writers.
type buttonRing struct {
	mu    sync.Mutex
	items [buttonRingCapacity]uint8
	head  int // next read position
	count int
}

func (r *buttonRing) push(code uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tail := (r.head + r.count) % buttonRingCapacity
	r.items[tail] = code
	if r.count < buttonRingCapacity {
		r.count++
	} else {
		// Overwrite oldest: advance head past the slot we just clobbered.
		r.head = (r.head + 1) % buttonRingCapacity
	}
}

// pop removes and returns the oldest event, if any.
func (r *buttonRing) pop() (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0, false
	}
	v := r.items[r.head]
	r.head = (r.head + 1) % buttonRingCapacity
	r.count--
	return v, true
}
