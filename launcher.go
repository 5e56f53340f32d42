// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/go-logr/logr"
)

// PeerKind is the way a proxy's peer endpoint is brought up.
type PeerKind int

const (
	PeerThread PeerKind = iota + 1
	PeerProcess
	PeerExternal
)

func (k PeerKind) String() string {
	switch k {
	case PeerThread:
		return "thread"
	case PeerProcess:
		return "process"
	case PeerExternal:
		return "external"
	}
	return fmt.Sprintf("PeerKind(%d)", int(k))
}

// ParsePeerKind is the inverse of PeerKind.String.
func ParsePeerKind(s string) (PeerKind, error) {
	for _, k := range []PeerKind{PeerThread, PeerProcess, PeerExternal} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown peer kind %q", s)
}

// Launcher brings a peer endpoint into existence.
type Launcher interface {
	Kind() PeerKind
	// Launch returns the engine's ends, not yet connected. On error nothing
	// the launcher created is left behind.
	Launch(ctx context.Context, log logr.Logger, opts ...QueueOption) (*Endpoint, error)
}

// Endpoint is what a Launcher hands to the proxy.
type Endpoint struct {
	Outgoing *Queue // engine -> plugin
	Incoming *Queue // plugin -> engine
	Peer     Peer   // nil in external mode
}

// Peer is a running plugin the proxy has to reap on shutdown.
type Peer interface {
	// Stop waits for the peer to finish, forcing it once ctx expires.
	Stop(ctx context.Context) (ExitStatus, error)
	String() string
}

// ExitStatus describes how a peer ended.
type ExitStatus struct {
	Pid    int    `json:"pid,omitempty"`
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    string `json:"error,omitempty"`
}

// Abnormal reports a non-zero exit, a signal or a worker error.
func (s ExitStatus) Abnormal() bool {
	return s.Code != 0 || s.Signal != "" || s.Err != ""
}

func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return "killed by " + s.Signal
	case s.Err != "":
		return "failed: " + s.Err
	}
	return fmt.Sprintf("exit status %d", s.Code)
}

// ThreadLauncher runs the plugin on a goroutine of this process. The plugin
// is looked up by Plugin in the registry; Setup, when set, runs afterwards
// and may add or replace handlers.
type ThreadLauncher struct {
	Plugin string
	Setup  func(*PluginServer) error
}

func (*ThreadLauncher) Kind() PeerKind { return PeerThread }

func (l *ThreadLauncher) Launch(ctx context.Context, log logr.Logger, opts ...QueueOption) (*Endpoint, error) {
	srv := NewPluginServer(log.WithName("worker"))
	if l.Plugin != "" {
		factory, ok := lookupPlugin(l.Plugin)
		if !ok {
			return nil, &SpawnError{Kind: PeerThread, Err: fmt.Errorf("plugin %q is not registered", l.Plugin)}
		}
		if err := factory(srv); err != nil {
			return nil, &SpawnError{Kind: PeerThread, Err: err}
		}
	}
	if l.Setup != nil {
		if err := l.Setup(srv); err != nil {
			return nil, &SpawnError{Kind: PeerThread, Err: err}
		}
	}

	toR, toW, err := NewPipe(opts...)
	if err != nil {
		return nil, &SpawnError{Kind: PeerThread, Err: err}
	}
	fromR, fromW, err := NewPipe(opts...)
	if err != nil {
		toR.Close()
		toW.Close()
		return nil, &SpawnError{Kind: PeerThread, Err: err}
	}

	// The worker outlives the launch call; only Stop ends it.
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &threadPeer{name: l.Plugin, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		defer toR.Close()
		defer fromW.Close()
		p.err = srv.Serve(wctx, toR, fromW)
	}()
	return &Endpoint{Outgoing: toW, Incoming: fromR, Peer: p}, nil
}

type threadPeer struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *threadPeer) String() string { return "thread:" + p.name }

func (p *threadPeer) Stop(ctx context.Context) (ExitStatus, error) {
	// A worker that already saw the hang-up is gone; otherwise tell it to stop.
	select {
	case <-p.done:
	default:
		p.cancel()
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		return ExitStatus{}, fmt.Errorf("join %s: %w", p, ctx.Err())
	}
	p.cancel()
	var st ExitStatus
	if p.err != nil && !errors.Is(p.err, context.Canceled) {
		st.Err = p.err.Error()
	}
	return st, nil
}

// ExternalLauncher attaches to a peer started out of band, through the FIFOs
// <Dir>/pluginpipe and <Dir>/enginepipe. FIFOs it creates are left in place
// once the launch succeeds.
type ExternalLauncher struct {
	Dir string
}

func (*ExternalLauncher) Kind() PeerKind { return PeerExternal }

func (l *ExternalLauncher) Launch(_ context.Context, log logr.Logger, opts ...QueueOption) (*Endpoint, error) {
	outPath := filepath.Join(l.Dir, PluginPipeName)
	existed := fifoExists(outPath)
	out, err := NewFIFO(outPath, opts...)
	if err != nil {
		return nil, &SpawnError{Kind: PeerExternal, Err: err}
	}
	in, err := NewFIFO(filepath.Join(l.Dir, EnginePipeName), opts...)
	if err != nil {
		if !existed {
			if rerr := out.Remove(); rerr != nil {
				log.Error(rerr, "removing half-created FIFO")
			}
		}
		return nil, &SpawnError{Kind: PeerExternal, Err: err}
	}
	return &Endpoint{Outgoing: out, Incoming: in}, nil
}

var _ Peer = (*threadPeer)(nil)

type stopOnce struct {
	once sync.Once
	st   ExitStatus
	err  error
}

func (s *stopOnce) do(fn func() (ExitStatus, error)) (ExitStatus, error) {
	s.once.Do(func() { s.st, s.err = fn() })
	return s.st, s.err
}
