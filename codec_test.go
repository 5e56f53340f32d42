// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name          string
		compressAbove int
		msg           *Message
		compressed    bool
	}{
		{
			name: "mixed fields",
			msg: &Message{Cmd: CmdConnect, ID: 7, Values: []Value{
				Text("contact"), Bool(true), Int32(-3), Int64(1 << 40), Bytes([]byte{0, 1, 2}), Change(ChangeRecord("BEGIN:VCARD")),
			}},
		},
		{
			name: "no fields",
			msg:  &Message{Cmd: CmdReply, ID: 1},
		},
		{
			name:          "large body compressed",
			compressAbove: 1024,
			msg:           &Message{Cmd: CmdCommitChange, ID: 99, Values: []Value{Text("event"), Change(ChangeRecord(strings.Repeat("BEGIN:VEVENT\n", 4096)))}},
			compressed:    true,
		},
		{
			name:          "small body under threshold",
			compressAbove: 1024,
			msg:           &Message{Cmd: CmdSyncDone, ID: 3, Values: []Value{Text("event")}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := frameCodec{compressAbove: tt.compressAbove}
			frame, err := c.encode(tt.msg)
			require.NoError(t, err)
			require.Equal(t, tt.compressed, frame[9]&flagLZ4 != 0)

			got, err := c.read(bytes.NewReader(frame))
			require.NoError(t, err)
			require.Equal(t, tt.msg.Cmd, got.Cmd)
			require.Equal(t, tt.msg.ID, got.ID)
			require.Equal(t, tt.msg.Values, got.Values)
		})
	}
}

func TestFrameStream(t *testing.T) {
	c := frameCodec{}
	var buf bytes.Buffer
	for i := uint32(1); i <= 3; i++ {
		frame, err := c.encode(&Message{Cmd: CmdReply, ID: i, Values: []Value{Int32(int32(i))}})
		require.NoError(t, err)
		buf.Write(frame)
	}
	for i := uint32(1); i <= 3; i++ {
		msg, err := c.read(&buf)
		require.NoError(t, err)
		require.Equal(t, i, msg.ID)
	}
	_, err := c.read(&buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameTorn(t *testing.T) {
	c := frameCodec{}
	frame, err := c.encode(NewMessage(CmdConnect, Text("contact"), Bool(false)))
	require.NoError(t, err)

	_, err = c.read(bytes.NewReader(frame[:len(frame)-2]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = c.read(bytes.NewReader(frame[:2]))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameRejects(t *testing.T) {
	c := frameCodec{}

	_, err := c.encode(&Message{Cmd: Command(200)})
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))

	_, err = c.encode(&Message{Cmd: CmdReply, Values: []Value{{}}})
	require.True(t, errors.As(err, &perr))

	// Length shorter than the fixed header.
	_, err = c.read(bytes.NewReader([]byte{0, 0, 0, 2, 1, 0}))
	require.True(t, errors.As(err, &perr))

	// Field number 12 is not a value kind.
	frame, err := c.encode(&Message{Cmd: CmdReply, ID: 1})
	require.NoError(t, err)
	frame = append(frame, 12<<3, 0)
	frame[3] += 2
	_, err = c.read(bytes.NewReader(frame))
	require.True(t, errors.As(err, &perr))
	require.Equal(t, CmdReply, perr.Cmd)
}

func TestFrameBadCommandKeepsStream(t *testing.T) {
	c := frameCodec{}
	bad, err := c.encode(&Message{Cmd: CmdReply, ID: 5})
	require.NoError(t, err)
	bad[4] = 99
	good, err := c.encode(&Message{Cmd: CmdReply, ID: 6, Values: []Value{Bool(true)}})
	require.NoError(t, err)
	r := bytes.NewReader(append(bad, good...))

	msg, err := c.read(r)
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, Command(99), perr.Cmd)
	require.NotNil(t, msg)
	require.Equal(t, uint32(5), msg.ID)
	require.Empty(t, msg.Values)

	msg, err = c.read(r)
	require.NoError(t, err)
	require.Equal(t, uint32(6), msg.ID)
}

func TestFrameRejectsInt32Overflow(t *testing.T) {
	tests := []struct {
		name string
		v    int64
	}{
		{name: "above", v: 1 << 32},
		{name: "just above", v: 1 << 31},
		{name: "below", v: -1<<31 - 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := protowire.AppendTag(nil, protowire.Number(KindInt32), protowire.VarintType)
			body = protowire.AppendVarint(body, protowire.EncodeZigZag(tt.v))
			_, err := consumeFields(body)
			require.ErrorContains(t, err, "overflows")

			// Int64 carries the same value fine.
			body = protowire.AppendTag(nil, protowire.Number(KindInt64), protowire.VarintType)
			body = protowire.AppendVarint(body, protowire.EncodeZigZag(tt.v))
			values, err := consumeFields(body)
			require.NoError(t, err)
			require.Equal(t, []Value{Int64(tt.v)}, values)
		})
	}

	c := frameCodec{}
	frame, err := c.encode(&Message{Cmd: CmdErrorReply, ID: 2})
	require.NoError(t, err)
	body := protowire.AppendTag(nil, protowire.Number(KindInt32), protowire.VarintType)
	body = protowire.AppendVarint(body, protowire.EncodeZigZag(1<<32))
	frame = append(frame, body...)
	frame[3] += byte(len(body))
	msg, err := c.read(bytes.NewReader(frame))
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, CmdErrorReply, perr.Cmd)
	require.Equal(t, uint32(2), msg.ID)
}

func TestFieldReader(t *testing.T) {
	msg := NewMessage(CmdConnect, Text("contact"), Bool(true))

	r := msg.Fields()
	require.Equal(t, "contact", r.Text())
	require.True(t, r.Bool())
	require.NoError(t, r.Done())

	r = msg.Fields()
	r.Text()
	require.Error(t, r.Done(), "trailing field must be reported")

	r = msg.Fields()
	r.Int32()
	r.Text()
	var perr *ProtocolError
	require.True(t, errors.As(r.Err(), &perr))
	require.Contains(t, perr.Reason, "field 0")
}
