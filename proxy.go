// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// State is the lifecycle state of a Proxy.
type State int

const (
	StateUnconnected State = iota
	StateSpawned
	StateConnected
	StateReady
	StateDisconnecting
	StateTerminated
)

var stateNames = [...]string{
	StateUnconnected:   "unconnected",
	StateSpawned:       "spawned",
	StateConnected:     "connected",
	StateReady:         "ready",
	StateDisconnecting: "disconnecting",
	StateTerminated:    "terminated",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// SyncPhase is the per object type sub-state of a Proxy.
type SyncPhase int

const (
	SyncIdle SyncPhase = iota
	SyncConnected
	SyncSyncing
	SyncDone
)

func (p SyncPhase) String() string {
	switch p {
	case SyncIdle:
		return "idle"
	case SyncConnected:
		return "connected"
	case SyncSyncing:
		return "syncing"
	case SyncDone:
		return "sync-done"
	}
	return fmt.Sprintf("SyncPhase(%d)", int(p))
}

// SinkStatus is the sync progress of one object type.
type SinkStatus struct {
	Phase SyncPhase
	Slow  bool
}

// Proxy is the engine's handle on one plugin. Verbs return at once; each
// accepted call gets exactly one callback, from the incoming queue's dispatch
// goroutine or from a timer goroutine. Callbacks must not call Shutdown.
type Proxy struct {
	id       string
	name     string
	launcher Launcher
	opts     options
	log      logr.Logger
	calls    *callTable
	refs     atomic.Int32

	mu        sync.Mutex // protects following
	state     State
	out, in   *Queue
	peer      Peer
	sinks     []SinkDescriptor
	mainSink  bool
	sinkState map[string]SinkStatus
	exit      *ExitStatus
	hupCh     chan struct{}
	hupOnce   *sync.Once

	transitions [][2]State
}

// NewProxy returns an unconnected proxy for the plugin called name, holding
// one reference.
func NewProxy(name string, launcher Launcher, opts ...Option) *Proxy {
	o := newOptions(opts)
	id := uuid.NewString()
	p := &Proxy{
		id:        id,
		name:      name,
		launcher:  launcher,
		opts:      o,
		log:       o.log.WithValues("plugin", name, "proxy", id),
		calls:     newCallTable(o.clock),
		sinkState: make(map[string]SinkStatus),
	}
	p.refs.Store(1)
	return p
}

func (p *Proxy) ID() string      { return p.id }
func (p *Proxy) Name() string    { return p.name }
func (p *Proxy) Kind() PeerKind  { return p.launcher.Kind() }
func (p *Proxy) String() string  { return p.name + "/" + p.id }
func (p *Proxy) Pending() int    { return p.calls.len() }
func (p *Proxy) RefCount() int32 { return p.refs.Load() }

// Ref adds a reference.
func (p *Proxy) Ref() *Proxy {
	p.refs.Add(1)
	return p
}

// Unref drops a reference. Dropping the last one shuts the proxy down.
func (p *Proxy) Unref(ctx context.Context) error {
	switch n := p.refs.Add(-1); {
	case n > 0:
		return nil
	case n < 0:
		return fmt.Errorf("pluginrpc: %s unreferenced too often", p)
	}
	return p.Shutdown(ctx)
}

// State returns the lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Proxy) setStateLocked(to State) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	p.log.V(1).Info("state changed", "from", from, "to", to)
	p.transitions = append(p.transitions, [2]State{from, to})
}

// unlock releases p.mu, then reports the transitions made under it.
func (p *Proxy) unlock() {
	ts := p.transitions
	p.transitions = nil
	p.mu.Unlock()
	if fn := p.opts.observer; fn != nil {
		for _, t := range ts {
			fn(p, t[0], t[1])
		}
	}
}

// Sinks returns the sinks reported by the last Discover, in reply order.
func (p *Proxy) Sinks() []SinkDescriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SinkDescriptor(nil), p.sinks...)
}

// HasMainSink reports the main-sink flag of the last Discover.
func (p *Proxy) HasMainSink() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainSink
}

// SinkState returns the sync progress of objType.
func (p *Proxy) SinkState(objType string) SinkStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sinkState[objType]
}

// ExitStatus returns how the peer ended, once Shutdown has reaped it.
func (p *Proxy) ExitStatus() (ExitStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exit == nil {
		return ExitStatus{}, false
	}
	return *p.exit, true
}

// Spawn brings up the peer and connects both queues. Calling it again while
// both queues are alive reuses them. If anything fails, everything created on
// the way is released and the proxy stays unconnected.
func (p *Proxy) Spawn(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateUnconnected {
		out, in, state := p.out, p.in, p.state
		p.mu.Unlock()
		if out != nil && in != nil && out.IsAlive() && in.IsAlive() {
			p.log.V(1).Info("reusing live queues")
			return nil
		}
		return fmt.Errorf("spawn in state %s: %w", state, ErrInvalidState)
	}
	p.mu.Unlock()

	ep, err := p.launcher.Launch(ctx, p.log, WithQueueLogger(p.log), WithQueueCompression(p.opts.compressAbove))
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.out, p.in, p.peer = ep.Outgoing, ep.Incoming, ep.Peer
	p.hupCh = make(chan struct{})
	p.hupOnce = new(sync.Once)
	p.exit = nil
	p.setStateLocked(StateSpawned)
	p.unlock()

	ep.Incoming.SetHandler(p.receive)
	ep.Outgoing.SetHandler(p.outgoingEvent)

	cctx, cancel := context.WithTimeout(ctx, p.opts.timeouts.Connect)
	defer cancel()
	err = ep.Incoming.ConnectWithRetry(cctx, RoleReceiver)
	if err == nil {
		err = ep.Outgoing.ConnectWithRetry(cctx, RoleSender)
	}
	if err != nil {
		p.abortSpawn(ctx, ep)
		return &SpawnError{Kind: p.launcher.Kind(), Err: err}
	}

	p.mu.Lock()
	defer p.unlock()
	if p.state != StateSpawned {
		// The peer went away while we were connecting.
		return fmt.Errorf("spawn: peer lost during connect: %w", ErrPeerLost)
	}
	if ep.Outgoing.IsAlive() && ep.Incoming.IsAlive() {
		p.setStateLocked(StateConnected)
		if p.launcher.Kind() == PeerExternal {
			// An external peer is already initialized by whoever started it.
			p.setStateLocked(StateReady)
		}
	}
	p.log.Info("spawned", "kind", p.launcher.Kind(), "peer", ep.Peer)
	return nil
}

func (p *Proxy) abortSpawn(ctx context.Context, ep *Endpoint) {
	ep.Incoming.Close()
	ep.Outgoing.Close()
	if ep.Peer != nil {
		if st, err := ep.Peer.Stop(ctx); err != nil {
			p.log.Error(err, "stopping peer after failed spawn")
		} else if st.Abnormal() {
			p.log.Info("peer ended abnormally after failed spawn", "status", st)
		}
	}
	p.mu.Lock()
	p.out, p.in, p.peer = nil, nil, nil
	p.setStateLocked(StateUnconnected)
	p.unlock()
}

// receive is the handler of the incoming queue.
func (p *Proxy) receive(msg *Message) {
	if msg.bad != nil {
		if msg.ID == 0 || !p.calls.fail(msg.ID, msg.bad) {
			p.log.Error(msg.bad, "ignoring undecodable message", "id", msg.ID)
		}
		return
	}
	switch msg.Cmd {
	case CmdReply, CmdErrorReply:
		if !p.calls.complete(msg) {
			p.log.Info("dropping reply with no pending call", "cmd", msg.Cmd, "id", msg.ID)
			p.opts.metrics.droppedReply()
		}
	case CmdNewChange, CmdReadChange:
		if msg.ID != 0 {
			p.unexpected(msg)
			return
		}
		r := msg.Fields()
		objType, change := r.Text(), r.Change()
		if err := r.Done(); err != nil {
			p.log.Error(err, "malformed notification")
			return
		}
		if fn := p.opts.onChange; fn != nil {
			fn(msg.Cmd, objType, change)
		} else {
			p.log.V(1).Info("no change handler, dropping notification", "cmd", msg.Cmd, "objType", objType)
		}
	case CmdQueueHUP:
		p.peerLost(ErrPeerHangup)
	case CmdQueueError:
		p.peerLost(ErrPeerLost)
	default:
		p.unexpected(msg)
	}
}

func (p *Proxy) unexpected(msg *Message) {
	perr := &ProtocolError{Cmd: msg.Cmd, Reason: "unexpected message from plugin"}
	if msg.ID == 0 || !p.calls.fail(msg.ID, perr) {
		p.log.Error(perr, "ignoring message", "id", msg.ID)
	}
}

// outgoingEvent is the handler of the outgoing queue, which only reports the
// plugin closing its reading end.
func (p *Proxy) outgoingEvent(msg *Message) {
	if msg.Cmd != CmdQueueHUP {
		return
	}
	p.mu.Lock()
	once, ch, state := p.hupOnce, p.hupCh, p.state
	p.mu.Unlock()
	if once != nil {
		once.Do(func() { close(ch) })
	}
	if state != StateDisconnecting {
		p.peerLost(ErrPeerHangup)
	}
}

// peerLost moves the proxy to Terminated and fails what is pending. It does
// not touch the queues; Shutdown still has to release them.
func (p *Proxy) peerLost(cause error) {
	p.mu.Lock()
	if p.state == StateDisconnecting || p.state == StateTerminated {
		p.mu.Unlock()
		return
	}
	if errors.Is(cause, ErrPeerLost) {
		p.log.Error(cause, "plugin connection lost")
	} else {
		p.log.Info("plugin hung up")
	}
	p.setStateLocked(StateTerminated)
	p.unlock()
	p.calls.failAll(&TransportError{Op: "receive", Path: p.name, Err: cause})
}

// Shutdown tears the proxy down: it closes the incoming queue, waits for the
// plugin to close its end of the outgoing queue, closes that, reaps the peer
// and frees both queues. An abnormal peer exit is logged and kept for
// ExitStatus; it does not make Shutdown fail.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	out, in, peer, hupCh := p.out, p.in, p.peer, p.hupCh
	if out == nil && in == nil {
		p.setStateLocked(StateTerminated)
		p.unlock()
		return nil
	}
	p.setStateLocked(StateDisconnecting)
	p.unlock()

	var errs error
	if in.IsConnected() {
		errs = multierr.Append(errs, in.Disconnect())
	}
	select {
	case <-in.Done():
	case <-ctx.Done():
	}

	if out.IsConnected() {
		wctx, cancel := context.WithTimeout(ctx, p.opts.timeouts.Disconnect)
		select {
		case <-hupCh:
			p.log.V(1).Info("plugin hung up its incoming queue")
		case <-wctx.Done():
			p.log.Info("plugin did not hang up in time", "timeout", p.opts.timeouts.Disconnect)
		}
		cancel()
		errs = multierr.Append(errs, out.Disconnect())
	}

	if n := p.calls.failAll(&TransportError{Op: "shutdown", Path: p.name, Err: ErrQueueClosed}); n > 0 {
		p.log.Info("failed pending calls", "count", n)
	}

	if peer != nil {
		st, err := peer.Stop(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
		} else {
			if st.Abnormal() {
				p.log.Info("plugin ended abnormally", "peer", peer, "status", st.String())
			}
			p.opts.metrics.peerExited(p.launcher.Kind(), st)
			p.mu.Lock()
			p.exit = &st
			p.mu.Unlock()
		}
	}

	// FIFOs stay on disk for the external peer's owner.
	errs = multierr.Append(errs, out.Close())
	errs = multierr.Append(errs, in.Close())

	p.mu.Lock()
	p.out, p.in, p.peer = nil, nil, nil
	p.setStateLocked(StateTerminated)
	p.unlock()
	if errs != nil {
		p.log.Error(errs, "shutdown")
	}
	return errs
}

// SinkSnapshot is the exported view of one sink.
type SinkSnapshot struct {
	SinkDescriptor
	Phase string `json:"phase"`
	Slow  bool   `json:"slow"`
}

// Snapshot is a point-in-time view of a proxy, for status reporting.
type Snapshot struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	State       string         `json:"state"`
	HasMainSink bool           `json:"hasMainSink"`
	Sinks       []SinkSnapshot `json:"sinks"`
	Pending     int            `json:"pending"`
	Exit        *ExitStatus    `json:"exit,omitempty"`
}

// Snapshot returns the current view of the proxy.
func (p *Proxy) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Snapshot{
		ID:          p.id,
		Name:        p.name,
		Kind:        p.launcher.Kind().String(),
		State:       p.state.String(),
		HasMainSink: p.mainSink,
		Sinks:       make([]SinkSnapshot, 0, len(p.sinks)),
		Pending:     p.calls.len(),
	}
	for _, d := range p.sinks {
		st := p.sinkState[d.Name]
		s.Sinks = append(s.Sinks, SinkSnapshot{SinkDescriptor: d, Phase: st.Phase.String(), Slow: st.Slow})
	}
	if p.exit != nil {
		e := *p.exit
		s.Exit = &e
	}
	return s
}
