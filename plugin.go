// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"
)

const replyTimeout = 30 * time.Second

// RequestHandler answers one request from the engine. It runs on the dispatch
// goroutine of the incoming queue; a handler that needs to block should answer
// from its own goroutine, which is also how replies end up out of order.
type RequestHandler interface {
	ServeRequest(ctx context.Context, req *Request)
}

// RequestHandlerFunc is a function adapter for RequestHandler
type RequestHandlerFunc func(ctx context.Context, req *Request)

func (f RequestHandlerFunc) ServeRequest(ctx context.Context, req *Request) {
	f(ctx, req)
}

// Request is a request received by a PluginServer. It must be answered once,
// with Reply or Fail.
type Request struct {
	*Message
	srv      *PluginServer
	out      *Queue
	answered atomic.Bool
}

// Reply sends a REPLY carrying fields.
func (r *Request) Reply(fields ...Value) error {
	return r.answer(&Message{Cmd: CmdReply, ID: r.ID, Values: fields})
}

// Fail sends an ERRORREPLY. A *RemoteError keeps its domain; any other error
// is sent as GENERIC.
func (r *Request) Fail(err error) error {
	return r.answer(&Message{Cmd: CmdErrorReply, ID: r.ID, Values: remoteErrorFields(err)})
}

func (r *Request) answer(msg *Message) error {
	if r.answered.Swap(true) {
		return ErrAlreadyReplied
	}
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	if err := r.out.Send(ctx, msg); err != nil {
		r.srv.log.Error(err, "reply not sent", "cmd", r.Cmd, "id", r.ID)
		return err
	}
	return nil
}

// PluginServer is the plugin end of the protocol: it reads requests from the
// engine and routes them to handlers by command.
type PluginServer struct {
	log logr.Logger

	mu       sync.RWMutex
	handlers map[Command]RequestHandler
	out      *Queue
}

// NewPluginServer returns a server with no handlers; every request is
// answered with NOT_SUPPORTED until one is installed.
func NewPluginServer(log logr.Logger) *PluginServer {
	return &PluginServer{
		log:      log,
		handlers: make(map[Command]RequestHandler),
	}
}

// Handle installs h for cmd. A nil h removes the handler, so cmd is answered
// with NOT_SUPPORTED again.
func (s *PluginServer) Handle(cmd Command, h RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.handlers, cmd)
		return
	}
	s.handlers[cmd] = h
}

// HandleFunc installs a synchronous handler: the returned fields are sent as
// the REPLY, an error as the ERRORREPLY.
func (s *PluginServer) HandleFunc(cmd Command, fn func(ctx context.Context, msg *Message) ([]Value, error)) {
	s.Handle(cmd, RequestHandlerFunc(func(ctx context.Context, req *Request) {
		fields, err := fn(ctx, req.Message)
		if err != nil {
			req.Fail(err)
			return
		}
		req.Reply(fields...)
	}))
}

// Notify sends an unsolicited NEW_CHANGE or READ_CHANGE for objType to the
// engine. It is only valid while Serve runs.
func (s *PluginServer) Notify(ctx context.Context, cmd Command, objType string, change ChangeRecord) error {
	if cmd != CmdNewChange && cmd != CmdReadChange {
		return &ProtocolError{Cmd: cmd, Reason: "not a notification"}
	}
	s.mu.RLock()
	out := s.out
	s.mu.RUnlock()
	if out == nil {
		return &TransportError{Op: "notify", Err: ErrNotConnected}
	}
	return out.Send(ctx, NewMessage(cmd, Text(objType), Change(change)))
}

// Serve connects in as receiver and out as sender and answers requests until
// the engine hangs up or ctx is cancelled. It then closes out before in, so
// the engine sees its outgoing queue hang up only after its incoming one has.
//
// A clean hang-up returns nil; cancellation returns ctx.Err(); losing the
// engine without a hang-up returns an error wrapping ErrPeerLost.
func (s *PluginServer) Serve(ctx context.Context, in, out *Queue) error {
	hup := make(chan error, 2)
	signal := func(err error) {
		select {
		case hup <- err:
		default:
		}
	}
	in.SetHandler(func(msg *Message) {
		switch {
		case msg.bad != nil:
			s.serve(ctx, out, msg)
		case msg.Cmd == CmdQueueHUP:
			signal(nil)
		case msg.Cmd == CmdQueueError:
			signal(ErrPeerLost)
		default:
			s.serve(ctx, out, msg)
		}
	})
	out.SetHandler(func(msg *Message) {
		if msg.Cmd == CmdQueueHUP {
			signal(nil)
		}
	})

	if err := in.ConnectWithRetry(ctx, RoleReceiver); err != nil {
		return err
	}
	if err := out.ConnectWithRetry(ctx, RoleSender); err != nil {
		in.Disconnect()
		return err
	}
	s.mu.Lock()
	s.out = out
	s.mu.Unlock()
	s.log.V(1).Info("serving", "in", in, "out", out)

	var result error
	select {
	case err := <-hup:
		if err != nil {
			result = &TransportError{Op: "receive", Path: in.String(), Err: err}
		}
	case <-ctx.Done():
		result = ctx.Err()
	}

	s.mu.Lock()
	s.out = nil
	s.mu.Unlock()
	var errs error
	if out.IsConnected() {
		errs = multierr.Append(errs, out.Disconnect())
	}
	if in.IsConnected() {
		errs = multierr.Append(errs, in.Disconnect())
	}
	<-in.Done()
	if errs != nil {
		s.log.Error(errs, "disconnect failed")
	}
	s.log.V(1).Info("stopped", "err", result)
	return result
}

func (s *PluginServer) serve(ctx context.Context, out *Queue, msg *Message) {
	req := &Request{Message: msg, srv: s, out: out}
	if msg.bad != nil {
		if msg.ID != 0 {
			req.Fail(msg.bad)
		}
		return
	}
	// Requests always carry a correlation id.
	if msg.ID == 0 || msg.Cmd == CmdReply || msg.Cmd == CmdErrorReply || msg.Cmd == CmdNewChange {
		s.log.Info("ignoring message not meant for a plugin", "cmd", msg.Cmd, "id", msg.ID)
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[msg.Cmd]
	s.mu.RUnlock()
	if !ok {
		req.Fail(&RemoteError{Domain: DomainNotSupported, Message: fmt.Sprintf("%s not implemented", msg.Cmd)})
		return
	}
	h.ServeRequest(ctx, req)
}

// IsNotSupported reports whether err is a remote NOT_SUPPORTED error.
func IsNotSupported(err error) bool {
	var rerr *RemoteError
	return errors.As(err, &rerr) && rerr.Domain == DomainNotSupported
}

// ServeInherited serves the registered plugin name on two descriptors
// inherited from the engine, the way a runner started by ProcessLauncher
// does.
func ServeInherited(ctx context.Context, log logr.Logger, name string, readFD, writeFD uintptr) error {
	factory, ok := lookupPlugin(name)
	if !ok {
		return fmt.Errorf("plugin %q is not registered", name)
	}
	srv := NewPluginServer(log)
	if err := factory(srv); err != nil {
		return fmt.Errorf("plugin %q: %w", name, err)
	}
	in, err := OpenFD(readFD, fmt.Sprintf("fd:%d", readFD), WithQueueLogger(log))
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := OpenFD(writeFD, fmt.Sprintf("fd:%d", writeFD), WithQueueLogger(log))
	if err != nil {
		return err
	}
	defer out.Close()
	return srv.Serve(ctx, in, out)
}
