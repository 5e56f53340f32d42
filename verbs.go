// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"context"
	"fmt"
	"time"
)

// InitConfig is the argument of Initialize.
type InitConfig struct {
	// Plugin defaults to the proxy name.
	Plugin    string
	ConfigDir string
	Config    []byte
}

// timeoutLocked resolves the deadline of cmd: the override of objType's sink
// if Discover reported one, else the verb default.
func (p *Proxy) timeoutLocked(cmd Command, objType string) time.Duration {
	if objType != "" {
		for _, s := range p.sinks {
			if s.Name != objType {
				continue
			}
			if d := s.Timeouts.forCommand(cmd); d > 0 {
				return d
			}
			break
		}
	}
	return p.opts.timeouts.forCommand(cmd)
}

// call sends cmd and registers done for the answer. If call returns an error
// the request was not sent and done is never invoked; otherwise done runs
// exactly once, with the REPLY or with an error.
func (p *Proxy) call(cmd Command, objType string, fields []Value, done replyFunc) error {
	p.mu.Lock()
	state, out := p.state, p.out
	timeout := p.timeoutLocked(cmd, objType)
	p.mu.Unlock()

	switch {
	case state == StateReady:
	case state == StateConnected && cmd == CmdInitialize:
	default:
		return fmt.Errorf("%s in state %s: %w", cmd, state, ErrInvalidState)
	}

	started := p.opts.clock.Now()
	p.opts.metrics.callStarted()
	id := p.calls.add(cmd, func(msg *Message, err error) {
		if err == nil && msg.Cmd == CmdErrorReply {
			msg, err = nil, decodeRemoteError(msg)
		}
		p.opts.metrics.callFinished(cmd, err, p.opts.clock.Since(started))
		if err != nil {
			p.log.V(1).Info("call failed", "cmd", cmd, "objType", objType, "err", err)
		}
		done(msg, err)
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := out.Send(ctx, &Message{Cmd: cmd, ID: id, Values: fields}); err != nil {
		p.calls.drop(id)
		p.opts.metrics.callFinished(cmd, err, p.opts.clock.Since(started))
		return err
	}
	p.calls.arm(id, timeout)
	p.log.V(2).Info("sent", "cmd", cmd, "id", id, "timeout", timeout)
	return nil
}

// emptyReply checks that a successful reply carries no fields.
func emptyReply(msg *Message, err error) error {
	if err != nil {
		return err
	}
	return msg.Fields().Done()
}

func (p *Proxy) setSink(objType string, fn func(*SinkStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.sinkState[objType]
	fn(&st)
	p.sinkState[objType] = st
}

// Initialize sends the plugin its configuration. Success moves the proxy to
// Ready.
func (p *Proxy) Initialize(cfg InitConfig, cb func(error)) error {
	if cfg.Plugin == "" {
		cfg.Plugin = p.name
	}
	fields := []Value{Text(cfg.Plugin), Text(cfg.ConfigDir), Bytes(cfg.Config)}
	return p.call(CmdInitialize, "", fields, func(msg *Message, err error) {
		if err = emptyReply(msg, err); err == nil {
			p.mu.Lock()
			if p.state == StateConnected {
				p.setStateLocked(StateReady)
			}
			p.unlock()
		}
		cb(err)
	})
}

// Finalize asks the plugin to release its resources.
func (p *Proxy) Finalize(cb func(error)) error {
	return p.call(CmdFinalize, "", nil, func(msg *Message, err error) {
		cb(emptyReply(msg, err))
	})
}

// Discover asks for the plugin's sinks. They replace the proxy's sink list
// in reply order. The version and capabilities in the reply are merged into
// info where info has none; info is written from the callback goroutine.
func (p *Proxy) Discover(info *MemberInfo, cb func(error)) error {
	return p.call(CmdDiscover, "", nil, func(msg *Message, err error) {
		if err != nil {
			cb(err)
			return
		}
		res, err := decodeDiscoverReply(msg)
		if err != nil {
			cb(err)
			return
		}
		p.mu.Lock()
		p.sinks = res.Sinks
		p.mainSink = res.HasMainSink
		p.mu.Unlock()
		info.merge(res)
		cb(nil)
	})
}

// Connect opens objType for syncing. The plugin may ask for a slow sync even
// if slow is false; cb learns whether it did.
func (p *Proxy) Connect(objType string, slow bool, cb func(slowRequested bool, err error)) error {
	return p.call(CmdConnect, objType, []Value{Text(objType), Bool(slow)}, func(msg *Message, err error) {
		if err != nil {
			cb(false, err)
			return
		}
		r := msg.Fields()
		slowRequested := r.Bool()
		if err := r.Done(); err != nil {
			cb(false, err)
			return
		}
		p.setSink(objType, func(st *SinkStatus) {
			st.Phase = SyncConnected
			st.Slow = slow || slowRequested
		})
		cb(slowRequested, nil)
	})
}

// Disconnect closes objType.
func (p *Proxy) Disconnect(objType string, cb func(error)) error {
	return p.call(CmdDisconnect, objType, []Value{Text(objType)}, func(msg *Message, err error) {
		if err = emptyReply(msg, err); err == nil {
			p.mu.Lock()
			delete(p.sinkState, objType)
			p.mu.Unlock()
		}
		cb(err)
	})
}

// Read asks the plugin for the full record matching change. The record comes
// back as a READ_CHANGE notification before the reply.
func (p *Proxy) Read(objType string, change ChangeRecord, cb func(error)) error {
	return p.call(CmdReadChange, objType, []Value{Text(objType), Change(change)}, func(msg *Message, err error) {
		cb(emptyReply(msg, err))
	})
}

// GetChanges asks for the changes of objType since the last sync, or for all
// records if slow is set. Changes arrive as NEW_CHANGE notifications, all of
// them before the reply.
func (p *Proxy) GetChanges(objType string, slow bool, cb func(error)) error {
	return p.call(CmdGetChanges, objType, []Value{Text(objType), Bool(slow)}, func(msg *Message, err error) {
		if err = emptyReply(msg, err); err == nil {
			p.setSink(objType, func(st *SinkStatus) {
				st.Phase = SyncSyncing
				st.Slow = st.Slow || slow
			})
		}
		cb(err)
	})
}

// CommitChange writes change into objType; cb gets the uid the plugin
// assigned to the record.
func (p *Proxy) CommitChange(objType string, change ChangeRecord, cb func(uid string, err error)) error {
	return p.call(CmdCommitChange, objType, []Value{Text(objType), Change(change)}, func(msg *Message, err error) {
		if err != nil {
			cb("", err)
			return
		}
		r := msg.Fields()
		uid := r.Text()
		if err := r.Done(); err != nil {
			cb("", err)
			return
		}
		cb(uid, nil)
	})
}

// CommittedAll tells the plugin that every change for objType was committed.
func (p *Proxy) CommittedAll(objType string, cb func(error)) error {
	return p.call(CmdCommittedAll, objType, []Value{Text(objType)}, func(msg *Message, err error) {
		cb(emptyReply(msg, err))
	})
}

// SyncDone ends the sync session of objType.
func (p *Proxy) SyncDone(objType string, cb func(error)) error {
	return p.call(CmdSyncDone, objType, []Value{Text(objType)}, func(msg *Message, err error) {
		if err = emptyReply(msg, err); err == nil {
			p.setSink(objType, func(st *SinkStatus) { st.Phase = SyncDone })
		}
		cb(err)
	})
}
