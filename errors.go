// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotConnected   = errors.New("pluginrpc: queue not connected")
	ErrPeerNotReady   = errors.New("pluginrpc: peer end not opened yet")
	ErrQueueClosed    = errors.New("pluginrpc: queue closed")
	ErrPeerHangup     = errors.New("pluginrpc: peer hung up")
	ErrPeerLost       = errors.New("pluginrpc: peer terminated abnormally")
	ErrInvalidState   = errors.New("pluginrpc: proxy not in a usable state")
	ErrAlreadyReplied = errors.New("pluginrpc: request already answered")
)

// TransportError reports a pipe or FIFO failure: create, connect, send or
// an unexpected end of the peer.
type TransportError struct {
	Op   string
	Path string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("pluginrpc: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("pluginrpc: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a message that does not fit the protocol: an
// unexpected command, a field layout mismatch or a reply nobody waits for.
type ProtocolError struct {
	Cmd    Command
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pluginrpc: protocol error on %s: %s", e.Cmd, e.Reason)
}

// TimeoutError is synthesized locally when a deadline passes.
type TimeoutError struct {
	Op    string
	Cmd   Command
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("pluginrpc: %s %s timed out after %s", e.Op, e.Cmd, e.After)
	}
	return fmt.Sprintf("pluginrpc: %s %s timed out", e.Op, e.Cmd)
}

// Timeout lets callers test for timeouts the same way as for net errors.
func (e *TimeoutError) Timeout() bool { return true }

// ErrorDomain classifies a RemoteError.
type ErrorDomain int32

const (
	DomainGeneric ErrorDomain = iota + 1
	DomainIO
	DomainNotSupported
	DomainTimeout
	DomainDisconnected
	DomainFileNotFound
	DomainMisconfiguration
	DomainInitialization
	DomainParameter
	DomainTemporary
	DomainLocked
)

var domainNames = map[ErrorDomain]string{
	DomainGeneric:          "GENERIC",
	DomainIO:               "IO_ERROR",
	DomainNotSupported:     "NOT_SUPPORTED",
	DomainTimeout:          "TIMEOUT",
	DomainDisconnected:     "DISCONNECTED",
	DomainFileNotFound:     "FILE_NOT_FOUND",
	DomainMisconfiguration: "MISCONFIGURATION",
	DomainInitialization:   "INITIALIZATION",
	DomainParameter:        "PARAMETER",
	DomainTemporary:        "TEMPORARY_ERROR",
	DomainLocked:           "LOCKED",
}

func (d ErrorDomain) String() string {
	if s, ok := domainNames[d]; ok {
		return s
	}
	return fmt.Sprintf("DOMAIN(%d)", int32(d))
}

// RemoteError is the structured error carried by an ERRORREPLY.
type RemoteError struct {
	Domain  ErrorDomain
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("pluginrpc: remote %s: %s", e.Domain, e.Message)
}

// SpawnError reports a failure to bring up the peer.
type SpawnError struct {
	Kind PeerKind
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("pluginrpc: spawn %s peer: %v", e.Kind, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// remoteErrorFields encodes err as the field list of an ERRORREPLY.
func remoteErrorFields(err error) []Value {
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		return []Value{Int32(int32(rerr.Domain)), Text(rerr.Message)}
	}
	return []Value{Int32(int32(DomainGeneric)), Text(err.Error())}
}

func decodeRemoteError(msg *Message) error {
	r := msg.Fields()
	domain := r.Int32()
	text := r.Text()
	if err := r.Done(); err != nil {
		return err
	}
	return &RemoteError{Domain: ErrorDomain(domain), Message: text}
}
