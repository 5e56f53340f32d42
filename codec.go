// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/pierrec/lz4/v4"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// Frame: [4 len][1 cmd][4 id][1 flags][body]
	frameHeaderLen = 1 + 4 + 1
	maxFrameLen    = 64 * 1024 * 1024 // 64MB max

	flagLZ4 byte = 1 << 0
)

var errFrameTooLarge = errors.New("frame exceeds 64MB")

// frameCodec turns messages into length-prefixed frames and back.
type frameCodec struct {
	// Bodies longer than this are LZ4 compressed. Zero disables compression.
	compressAbove int
}

func (c frameCodec) encode(m *Message) ([]byte, error) {
	if !m.Cmd.valid() {
		return nil, &ProtocolError{Cmd: m.Cmd, Reason: "unknown command"}
	}
	body, err := appendFields(nil, m.Values)
	if err != nil {
		return nil, &ProtocolError{Cmd: m.Cmd, Reason: err.Error()}
	}

	var flags byte
	if c.compressAbove > 0 && len(body) > c.compressAbove {
		if packed, ok := compressBody(body); ok {
			body = packed
			flags |= flagLZ4
		}
	}

	msgLen := frameHeaderLen + len(body)
	if msgLen > maxFrameLen {
		return nil, &ProtocolError{Cmd: m.Cmd, Reason: errFrameTooLarge.Error()}
	}
	buf := make([]byte, 4+msgLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(msgLen))
	buf[4] = byte(m.Cmd)
	binary.BigEndian.PutUint32(buf[5:9], m.ID)
	buf[9] = flags
	copy(buf[10:], body)
	return buf, nil
}

// read returns io.EOF only when the stream ends exactly on a frame boundary.
// A frame whose length is sound but whose command or body is not comes back
// with its header (command and id) and a *ProtocolError; the stream stays in
// step. Bad lengths and short reads return a nil message.
func (c frameCodec) read(r io.Reader) (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(header[:])
	if msgLen < frameHeaderLen || msgLen > maxFrameLen {
		return nil, &ProtocolError{Reason: fmt.Sprintf("invalid frame length %d", msgLen)}
	}
	frame := make([]byte, msgLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	m := &Message{
		Cmd: Command(frame[0]),
		ID:  binary.BigEndian.Uint32(frame[1:5]),
	}
	if !m.Cmd.valid() {
		return m, &ProtocolError{Cmd: m.Cmd, Reason: "unknown command"}
	}
	body := frame[frameHeaderLen:]
	if frame[5]&flagLZ4 != 0 {
		var err error
		if body, err = uncompressBody(body); err != nil {
			return m, &ProtocolError{Cmd: m.Cmd, Reason: err.Error()}
		}
	}
	values, err := consumeFields(body)
	if err != nil {
		return m, &ProtocolError{Cmd: m.Cmd, Reason: err.Error()}
	}
	m.Values = values
	return m, nil
}

// Each field is a protowire record whose field number is the value kind, so
// order and type survive the round trip.
func appendFields(b []byte, values []Value) ([]byte, error) {
	for i, v := range values {
		num := protowire.Number(v.kind)
		switch v.kind {
		case KindText:
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendString(b, v.str)
		case KindInt32, KindInt64:
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.num))
		case KindBool:
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, protowire.EncodeBool(v.num != 0))
		case KindBytes, KindChange:
			b = protowire.AppendTag(b, num, protowire.BytesType)
			b = protowire.AppendBytes(b, v.raw)
		default:
			return nil, fmt.Errorf("field %d has no kind", i)
		}
	}
	return b, nil
}

func consumeFields(b []byte) ([]Value, error) {
	var values []Value
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num < protowire.Number(KindText) || num > protowire.Number(KindChange) {
			return nil, fmt.Errorf("field %d: unknown kind %d", len(values), num)
		}
		kind := Kind(num)
		switch {
		case (kind == KindText || kind == KindBytes || kind == KindChange) && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			v := Value{kind: kind}
			if kind == KindText {
				v.str = string(raw)
			} else {
				v.raw = append([]byte(nil), raw...)
			}
			values = append(values, v)
		case (kind == KindInt32 || kind == KindInt64 || kind == KindBool) && typ == protowire.VarintType:
			x, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			v := Value{kind: kind}
			if kind == KindBool {
				if protowire.DecodeBool(x) {
					v.num = 1
				}
			} else {
				v.num = protowire.DecodeZigZag(x)
				if kind == KindInt32 && (v.num < math.MinInt32 || v.num > math.MaxInt32) {
					return nil, fmt.Errorf("field %d: %d overflows %s", len(values), v.num, kind)
				}
			}
			values = append(values, v)
		default:
			return nil, fmt.Errorf("field %d: %s with wire type %d", len(values), kind, typ)
		}
	}
	return values, nil
}

// compressBody returns [4 uncompressed len][lz4 block], or false when the
// block would not be smaller than the input.
func compressBody(body []byte) ([]byte, bool) {
	var c lz4.Compressor
	dst := make([]byte, 4+lz4.CompressBlockBound(len(body)))
	n, err := c.CompressBlock(body, dst[4:])
	if err != nil || n == 0 || 4+n >= len(body) {
		return nil, false
	}
	binary.BigEndian.PutUint32(dst[0:4], uint32(len(body)))
	return dst[:4+n], true
}

func uncompressBody(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, errors.New("truncated compressed body")
	}
	size := binary.BigEndian.Uint32(b[0:4])
	if size > maxFrameLen {
		return nil, errFrameTooLarge
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(b[4:], out)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n != int(size) {
		return nil, fmt.Errorf("lz4: got %d bytes, want %d", n, size)
	}
	return out, nil
}
