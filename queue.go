// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"
)

// Role is the direction a Queue has been connected for.
type Role int

const (
	RoleNone Role = iota
	RoleSender
	RoleReceiver
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleReceiver:
		return "receiver"
	}
	return "unconnected"
}

// Well-known FIFO names for external attach.
const (
	PluginPipeName = "pluginpipe" // engine -> plugin
	EnginePipeName = "enginepipe" // plugin -> engine
)

const (
	fifoAttachInterval = 20 * time.Millisecond
	connectInterval    = 50 * time.Millisecond
	hangupWriteTimeout = 100 * time.Millisecond
)

type pipeEnd int

const (
	endAny pipeEnd = iota
	endRead
	endWrite
)

// Handler receives every message a Queue produces: frames from the peer on a
// receiver, and QUEUE_HUP / QUEUE_ERROR events on either side.
type Handler func(*Message)

// QueueOption configures a Queue.
type QueueOption func(*queueOptions)

type queueOptions struct {
	log           logr.Logger
	compressAbove int
}

// WithQueueLogger sets the logger used by the queue.
func WithQueueLogger(l logr.Logger) QueueOption {
	return func(o *queueOptions) { o.log = l }
}

// WithQueueCompression compresses bodies larger than n bytes. Zero disables it.
func WithQueueCompression(n int) QueueOption {
	return func(o *queueOptions) { o.compressAbove = n }
}

func newQueueOptions(opts []QueueOption) queueOptions {
	o := queueOptions{log: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Queue is one direction of the engine/plugin channel. It is backed by one end
// of an OS pipe or by a FIFO on disk.
type Queue struct {
	name  string
	path  string
	end   pipeEnd
	log   logr.Logger
	codec frameCodec

	mu      sync.Mutex // protects following
	role    Role
	file    *os.File
	handler Handler
	done    chan struct{}
	stop    chan struct{}
	watch   *hangupWatch
	closed  bool

	writeMu sync.Mutex // serializes frames
	broken  atomic.Bool
	alive   atomic.Bool
}

func newQueue(name, path string, end pipeEnd, file *os.File, o queueOptions) *Queue {
	return &Queue{
		name:  name,
		path:  path,
		end:   end,
		file:  file,
		log:   o.log.WithValues("queue", name),
		codec: frameCodec{compressAbove: o.compressAbove},
	}
}

// NewPipe creates an OS pipe and returns the queue holding its read end and
// the queue holding its write end.
func NewPipe(opts ...QueueOption) (read, write *Queue, err error) {
	o := newQueueOptions(opts)
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, &TransportError{Op: "pipe", Err: err}
	}
	read = newQueue(fmt.Sprintf("pipe:%s", r.Name()), "", endRead, r, o)
	write = newQueue(fmt.Sprintf("pipe:%s", w.Name()), "", endWrite, w, o)
	return read, write, nil
}

// NewFIFO returns a queue backed by the FIFO at path, creating the FIFO if it
// does not exist yet.
func NewFIFO(path string, opts ...QueueOption) (*Queue, error) {
	if err := makeFIFO(path); err != nil {
		return nil, &TransportError{Op: "mkfifo", Path: path, Err: err}
	}
	return newQueue(path, path, endAny, nil, newQueueOptions(opts)), nil
}

// OpenFD wraps an inherited pipe descriptor, such as the ones a runner gets
// on its command line.
func OpenFD(fd uintptr, name string, opts ...QueueOption) (*Queue, error) {
	f, err := inheritFD(fd, name)
	if err != nil {
		return nil, &TransportError{Op: "open", Path: name, Err: err}
	}
	return newQueue(name, "", endAny, f, newQueueOptions(opts)), nil
}

func (q *Queue) String() string { return q.name }

// Path returns the FIFO path, or "" for a pipe queue.
func (q *Queue) Path() string { return q.path }

// SetHandler installs fn. Set it before Connect to see every message.
func (q *Queue) SetHandler(fn Handler) {
	q.mu.Lock()
	q.handler = fn
	q.mu.Unlock()
}

// Exists reports whether the backing pipe end or FIFO is present.
func (q *Queue) Exists() bool {
	if q.path == "" {
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.file != nil && !q.closed
	}
	return fifoExists(q.path)
}

// IsConnected reports whether Connect succeeded and Disconnect has not been
// called.
func (q *Queue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.role != RoleNone
}

// IsAlive reports whether the queue is connected and has not seen the peer
// hang up.
func (q *Queue) IsAlive() bool {
	return q.alive.Load()
}

// Role returns the role the queue is connected for.
func (q *Queue) Role() Role {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.role
}

// Done is closed when the queue's background goroutine has exited. It is
// already closed for a queue that was never connected.
func (q *Queue) Done() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.done == nil {
		q.done = make(chan struct{})
		close(q.done)
	}
	return q.done
}

// Connect opens the queue for sending or receiving. Opening the sending side
// of a FIFO nobody reads yet fails with ErrPeerNotReady instead of blocking.
func (q *Queue) Connect(role Role) error {
	if role != RoleSender && role != RoleReceiver {
		return &TransportError{Op: "connect", Path: q.name, Err: fmt.Errorf("invalid role %d", role)}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return &TransportError{Op: "connect", Path: q.name, Err: ErrQueueClosed}
	}
	if q.role != RoleNone {
		return &TransportError{Op: "connect", Path: q.name, Err: fmt.Errorf("already connected as %s", q.role)}
	}
	switch {
	case q.end == endRead && role != RoleReceiver, q.end == endWrite && role != RoleSender:
		return &TransportError{Op: "connect", Path: q.name, Err: fmt.Errorf("pipe end cannot act as %s", role)}
	}

	f := q.file
	if q.path != "" {
		var err error
		if f, err = openFIFO(q.path, role); err != nil {
			return &TransportError{Op: "connect", Path: q.path, Err: err}
		}
	}

	done := make(chan struct{})
	switch role {
	case RoleReceiver:
		q.stop = make(chan struct{})
		go q.readLoop(f, q.stop, done)
	case RoleSender:
		w, err := watchHangup(f, func() {
			q.alive.Store(false)
			q.dispatch(&Message{Cmd: CmdQueueHUP})
		}, done)
		if err != nil {
			if q.path != "" {
				f.Close()
			}
			return &TransportError{Op: "connect", Path: q.name, Err: err}
		}
		q.watch = w
	}
	q.file = f
	q.role = role
	q.done = done
	q.alive.Store(true)
	q.log.V(2).Info("connected", "role", role)
	return nil
}

// ConnectWithRetry calls Connect until the peer end shows up or ctx expires.
func (q *Queue) ConnectWithRetry(ctx context.Context, role Role) error {
	var lastErr error
	err := wait.PollUntilContextCancel(ctx, connectInterval, true, func(context.Context) (bool, error) {
		lastErr = q.Connect(role)
		if errors.Is(lastErr, ErrPeerNotReady) {
			return false, nil
		}
		return lastErr == nil, lastErr
	})
	if err != nil && errors.Is(lastErr, ErrPeerNotReady) {
		return lastErr
	}
	return err
}

// Send writes msg. Only the calling goroutine blocks; the ctx deadline bounds
// the write and is reported as a *TimeoutError. Sends are never retried.
func (q *Queue) Send(ctx context.Context, msg *Message) error {
	frame, err := q.codec.encode(msg)
	if err != nil {
		return err
	}

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	f, err := q.sender()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &TimeoutError{Op: "send", Cmd: msg.Cmd}
	}
	deadline, _ := ctx.Deadline()
	if err := f.SetWriteDeadline(deadline); err != nil {
		return &TransportError{Op: "send", Path: q.name, Err: err}
	}

	n, err := f.Write(frame)
	if err == nil {
		return nil
	}
	if n > 0 && n < len(frame) {
		// Peer would misparse everything after a torn frame.
		q.broken.Store(true)
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return &TimeoutError{Op: "send", Cmd: msg.Cmd}
	}
	if errors.Is(err, os.ErrClosed) {
		err = ErrQueueClosed
	}
	return &TransportError{Op: "send", Path: q.name, Err: err}
}

func (q *Queue) sender() (*os.File, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.role != RoleSender {
		return nil, &TransportError{Op: "send", Path: q.name, Err: ErrNotConnected}
	}
	if q.broken.Load() {
		return nil, &TransportError{Op: "send", Path: q.name, Err: errors.New("stream corrupted by a partial write")}
	}
	return q.file, nil
}

// Disconnect closes the local end. A sender first tells the peer with a
// QUEUE_HUP frame; a receiver closing its end makes the peer's sender observe
// QUEUE_HUP. Disconnect does not wait for the background goroutine; use Done.
func (q *Queue) Disconnect() error {
	q.mu.Lock()
	role, f, w, stop := q.role, q.file, q.watch, q.stop
	if role == RoleNone {
		q.mu.Unlock()
		return &TransportError{Op: "disconnect", Path: q.name, Err: ErrNotConnected}
	}
	q.role = RoleNone
	q.file = nil
	q.watch = nil
	q.stop = nil
	q.closed = true
	q.mu.Unlock()
	q.alive.Store(false)

	if role == RoleSender {
		if q.writeMu.TryLock() {
			f.SetWriteDeadline(time.Now().Add(hangupWriteTimeout))
			if frame, err := q.codec.encode(&Message{Cmd: CmdQueueHUP}); err == nil {
				if _, err := f.Write(frame); err != nil {
					q.log.V(2).Info("hang-up frame not delivered", "err", err)
				}
			}
			q.writeMu.Unlock()
		}
		w.close()
	} else {
		close(stop)
	}
	q.log.V(2).Info("disconnected", "role", role)
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return &TransportError{Op: "disconnect", Path: q.name, Err: err}
	}
	return nil
}

// Close releases the queue: it disconnects a connected queue and closes a
// pipe end that was never connected. Close is idempotent.
func (q *Queue) Close() error {
	if q.IsConnected() {
		return q.Disconnect()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.file != nil {
		f := q.file
		q.file = nil
		return f.Close()
	}
	return nil
}

// Remove deletes the FIFO from disk.
func (q *Queue) Remove() error {
	if q.path == "" {
		return nil
	}
	if err := os.Remove(q.path); err != nil && !os.IsNotExist(err) {
		return &TransportError{Op: "remove", Path: q.path, Err: err}
	}
	return nil
}

// detach hands the unconnected pipe end over to a child process.
func (q *Queue) detach() *os.File {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file
}

func (q *Queue) dispatch(msg *Message) {
	q.mu.Lock()
	fn := q.handler
	q.mu.Unlock()
	if fn == nil {
		q.log.V(1).Info("no handler, dropping message", "cmd", msg.Cmd, "id", msg.ID)
		return
	}
	fn(msg)
}

func (q *Queue) readLoop(f *os.File, stop <-chan struct{}, done chan struct{}) {
	defer close(done)

	br := bufio.NewReader(f)
	// A FIFO reports EOF until a writer attaches; a pipe has its writer.
	attached := q.path == ""
	hup := false
	for {
		msg, err := q.codec.read(br)
		if err == nil {
			attached = true
			if msg.Cmd == CmdQueueHUP {
				if !hup {
					hup = true
					q.alive.Store(false)
					q.dispatch(msg)
				}
				continue
			}
			q.dispatch(msg)
			continue
		}
		var perr *ProtocolError
		if msg != nil && errors.As(err, &perr) {
			// The frame was well delimited; only this message is lost.
			q.log.Error(err, "undecodable frame", "cmd", msg.Cmd, "id", msg.ID)
			attached = true
			msg.bad = perr
			q.dispatch(msg)
			continue
		}

		select {
		case <-stop:
			return
		default:
		}
		if errors.Is(err, io.EOF) {
			if !attached {
				select {
				case <-stop:
					return
				case <-time.After(fifoAttachInterval):
				}
				continue
			}
			if !hup {
				q.log.Info("peer closed without hang-up")
				q.fail(ErrPeerLost)
			}
			return
		}
		if errors.Is(err, os.ErrClosed) {
			return
		}
		q.log.Error(err, "read failed")
		if !hup {
			q.fail(err)
		}
		return
	}
}

func (q *Queue) fail(err error) {
	q.alive.Store(false)
	q.dispatch(&Message{Cmd: CmdQueueError, Values: []Value{Text(err.Error())}})
}
