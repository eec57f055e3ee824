package workflow

import (
	"encoding/json"
	"time"
)

// Future is the pending result of one scheduled command. Get blocks
// the pass (by suspending it) until the command resolves in history.
type Future struct {
	ctx    *Context
	id     int64
	ready  bool
	result json.RawMessage
	err    error
}

// Ready reports whether the future has resolved without blocking.
func (f *Future) Ready() bool { return f.ready }

// Get waits for the future to resolve, then unmarshals the result into
// v (which may be nil to discard it) and returns the terminal error if
// the command failed. If the result is not yet in history the pass
// suspends.
func (f *Future) Get(v any) error {
	if !f.ready {
		f.ctx.suspend()
	}
	if f.err != nil {
		return f.err
	}
	if v == nil || len(f.result) == 0 {
		return nil
	}
	return json.Unmarshal(f.result, v)
}

// SignalChannel is the deterministic consumption cursor over buffered
// signals of one name. Each Receive consumes the next buffered payload
// in arrival order; the cursor resets at the start of every pass, so
// replays consume signals identically.
type SignalChannel struct {
	ctx  *Context
	name string
}

// Name returns the signal name this channel consumes.
func (s *SignalChannel) Name() string { return s.name }

// Len reports how many buffered signals remain unconsumed in this pass.
func (s *SignalChannel) Len() int {
	return len(s.ctx.signals[s.name]) - s.ctx.signalCursor[s.name]
}

// ReceiveAsync consumes the next buffered signal into v without
// blocking. It reports false when no signal is buffered.
func (s *SignalChannel) ReceiveAsync(v any) (bool, error) {
	return s.receiveBefore(0, v)
}

// receiveBefore consumes the next buffered signal whose history
// sequence is below bound (0 means unbounded).
func (s *SignalChannel) receiveBefore(bound int64, v any) (bool, error) {
	buf := s.ctx.signals[s.name]
	cur := s.ctx.signalCursor[s.name]
	if cur >= len(buf) {
		return false, nil
	}
	entry := buf[cur]
	if bound > 0 && entry.seqNo >= bound {
		return false, nil
	}
	s.ctx.signalCursor[s.name] = cur + 1
	if v == nil || len(entry.payload) == 0 {
		return true, nil
	}
	return true, json.Unmarshal(entry.payload, v)
}

// Receive consumes the next buffered signal into v, suspending the
// pass until one arrives.
func (s *SignalChannel) Receive(v any) error {
	ok, err := s.ReceiveAsync(v)
	if err != nil {
		return err
	}
	if !ok {
		s.ctx.suspend()
	}
	return nil
}

// ReceiveWithTimeout consumes the next buffered signal into v, or
// reports false once d of workflow time elapses with no signal.
//
// The timeout timer's sequence id is allocated before the buffer is
// checked, so the definition consumes the same id whether or not a
// signal has arrived by the time a pass replays. When both a signal
// and the timer firing are present in history, the one with the lower
// history sequence wins; the outcome is therefore stable even when a
// late signal lands after the timer already fired.
func (s *SignalChannel) ReceiveWithTimeout(d time.Duration, v any) (bool, error) {
	c := s.ctx
	id := c.nextSeq()

	r, found := c.lookup(id, kindTimer)
	if found && r.resolved {
		// Timeout fired; only a signal that arrived before the firing
		// can still win this wait.
		return s.receiveBefore(r.seqNo, v)
	}

	if ok, err := s.receiveBefore(0, v); ok || err != nil {
		return ok, err
	}

	if found {
		c.suspend()
	}
	c.commands = append(c.commands, StartTimerCommand{
		TimerID: id,
		FireAt:  c.now.Add(d),
	})
	c.suspend()
	return false, nil // unreachable
}
