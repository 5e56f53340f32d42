// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// replyFunc receives either the REPLY/ERRORREPLY message or a local error.
type replyFunc func(msg *Message, err error)

type pendingCall struct {
	cmd     Command
	started time.Time
	timer   clock.Timer
	deliver replyFunc
}

// callTable holds outstanding calls by correlation id. Whoever removes an
// entry (reply, timeout or teardown) is the only one to deliver it.
type callTable struct {
	clock clock.WithDelayedExecution

	mu      sync.Mutex // protects following
	nextID  uint32
	pending map[uint32]*pendingCall
}

func newCallTable(clk clock.WithDelayedExecution) *callTable {
	return &callTable{
		clock:   clk,
		pending: make(map[uint32]*pendingCall),
	}
}

// add registers a call and returns its correlation id. Ids start at 1 and
// skip 0, which marks unsolicited messages.
func (t *callTable) add(cmd Command, deliver replyFunc) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		t.nextID++
		if _, busy := t.pending[t.nextID]; t.nextID != 0 && !busy {
			break
		}
	}
	t.pending[t.nextID] = &pendingCall{cmd: cmd, started: t.clock.Now(), deliver: deliver}
	return t.nextID
}

// arm starts the deadline of a call whose request has been sent. A reply that
// already arrived leaves nothing to arm.
func (t *callTable) arm(id uint32, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.pending[id]
	if !ok || d <= 0 {
		return
	}
	c.timer = t.clock.AfterFunc(d, func() {
		// Fake clocks run this while holding their own lock.
		go t.expire(id, d)
	})
}

// drop forgets a call whose request was never sent, without delivering it.
func (t *callTable) drop(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

func (t *callTable) take(id uint32) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return c
}

// complete hands msg to the call it answers. It returns false when no call
// waits for msg.ID, e.g. a reply arriving after the deadline.
func (t *callTable) complete(msg *Message) bool {
	c := t.take(msg.ID)
	if c == nil {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.deliver(msg, nil)
	return true
}

// fail delivers err to the call with the given id, if it is still pending.
func (t *callTable) fail(id uint32, err error) bool {
	c := t.take(id)
	if c == nil {
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.deliver(nil, err)
	return true
}

func (t *callTable) expire(id uint32, after time.Duration) {
	c := t.take(id)
	if c == nil {
		return
	}
	c.deliver(nil, &TimeoutError{Op: "call", Cmd: c.cmd, After: after})
}

// failAll delivers err to every pending call.
func (t *callTable) failAll(err error) int {
	t.mu.Lock()
	calls := t.pending
	t.pending = make(map[uint32]*pendingCall)
	t.mu.Unlock()

	for _, c := range calls {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.deliver(nil, err)
	}
	return len(calls)
}

func (t *callTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
