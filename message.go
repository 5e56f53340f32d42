// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"fmt"
)

// Command identifies the verb or control event a message carries.
type Command uint8

const (
	CmdInitialize Command = iota + 1
	CmdFinalize
	CmdDiscover
	CmdConnect
	CmdDisconnect
	CmdReadChange
	CmdGetChanges
	CmdCommitChange
	CmdCommittedAll
	CmdSyncDone
	CmdNewChange
	CmdReply
	CmdErrorReply
	CmdQueueHUP
	CmdQueueError
)

var commandNames = [...]string{
	CmdInitialize:   "INITIALIZE",
	CmdFinalize:     "FINALIZE",
	CmdDiscover:     "DISCOVER",
	CmdConnect:      "CONNECT",
	CmdDisconnect:   "DISCONNECT",
	CmdReadChange:   "READ_CHANGE",
	CmdGetChanges:   "GET_CHANGES",
	CmdCommitChange: "COMMIT_CHANGE",
	CmdCommittedAll: "COMMITTED_ALL",
	CmdSyncDone:     "SYNC_DONE",
	CmdNewChange:    "NEW_CHANGE",
	CmdReply:        "REPLY",
	CmdErrorReply:   "ERRORREPLY",
	CmdQueueHUP:     "QUEUE_HUP",
	CmdQueueError:   "QUEUE_ERROR",
}

func (c Command) String() string {
	if int(c) < len(commandNames) && commandNames[c] != "" {
		return commandNames[c]
	}
	return fmt.Sprintf("COMMAND(%d)", uint8(c))
}

func (c Command) valid() bool {
	return c >= CmdInitialize && c <= CmdQueueError
}

// ChangeRecord is an opaque change payload. It is passed through without
// interpretation.
type ChangeRecord []byte

// Kind is the type tag of a Value.
type Kind uint8

const (
	KindText Kind = iota + 1
	KindInt32
	KindInt64
	KindBool
	KindBytes
	KindChange
)

var kindNames = [...]string{
	KindText:   "text",
	KindInt32:  "int32",
	KindInt64:  "int64",
	KindBool:   "bool",
	KindBytes:  "bytes",
	KindChange: "change",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is one typed message field.
type Value struct {
	kind Kind
	num  int64
	str  string
	raw  []byte
}

func Text(s string) Value         { return Value{kind: KindText, str: s} }
func Int32(i int32) Value         { return Value{kind: KindInt32, num: int64(i)} }
func Int64(i int64) Value         { return Value{kind: KindInt64, num: i} }
func Bytes(b []byte) Value        { return Value{kind: KindBytes, raw: b} }
func Change(c ChangeRecord) Value { return Value{kind: KindChange, raw: c} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) String() string {
	switch v.kind {
	case KindText:
		return fmt.Sprintf("%q", v.str)
	case KindInt32, KindInt64:
		return fmt.Sprint(v.num)
	case KindBool:
		return fmt.Sprint(v.num != 0)
	case KindBytes, KindChange:
		return fmt.Sprintf("%s[%d]", v.kind, len(v.raw))
	}
	return "invalid"
}

// Message is one unit on a Queue.
type Message struct {
	Cmd    Command
	ID     uint32
	Values []Value

	// set on a received frame that could not be decoded; Values is empty
	bad *ProtocolError
}

// NewMessage builds a message with the given fields. The correlation id is
// assigned by the sender.
func NewMessage(cmd Command, fields ...Value) *Message {
	return &Message{Cmd: cmd, Values: fields}
}

// Fields returns a reader over the message fields in wire order.
func (m *Message) Fields() *FieldReader {
	return &FieldReader{msg: m}
}

func (m *Message) String() string {
	return fmt.Sprintf("%s#%d%v", m.Cmd, m.ID, m.Values)
}

// FieldReader consumes fields in order. The first mismatch sticks; Done
// reports it, or a leftover field, as a *ProtocolError.
type FieldReader struct {
	msg *Message
	pos int
	err error
}

func (r *FieldReader) next(k Kind) Value {
	if r.err != nil {
		return Value{}
	}
	if r.pos >= len(r.msg.Values) {
		r.err = &ProtocolError{Cmd: r.msg.Cmd, Reason: fmt.Sprintf("missing field %d (%s)", r.pos, k)}
		return Value{}
	}
	v := r.msg.Values[r.pos]
	if v.kind != k {
		r.err = &ProtocolError{Cmd: r.msg.Cmd, Reason: fmt.Sprintf("field %d is %s, want %s", r.pos, v.kind, k)}
		return Value{}
	}
	r.pos++
	return v
}

func (r *FieldReader) Text() string         { return r.next(KindText).str }
func (r *FieldReader) Int32() int32         { return int32(r.next(KindInt32).num) }
func (r *FieldReader) Int64() int64         { return r.next(KindInt64).num }
func (r *FieldReader) Bool() bool           { return r.next(KindBool).num != 0 }
func (r *FieldReader) Bytes() []byte        { return r.next(KindBytes).raw }
func (r *FieldReader) Change() ChangeRecord { return ChangeRecord(r.next(KindChange).raw) }

// Err returns the first decoding error without checking for leftovers.
func (r *FieldReader) Err() error { return r.err }

// Done returns the first decoding error, or a protocol error if fields are
// left unread.
func (r *FieldReader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.msg.Values) {
		return &ProtocolError{Cmd: r.msg.Cmd, Reason: fmt.Sprintf("%d unexpected trailing fields", len(r.msg.Values)-r.pos)}
	}
	return nil
}
