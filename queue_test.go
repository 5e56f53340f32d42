// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func collect(q *Queue) <-chan *Message {
	ch := make(chan *Message, 256)
	q.SetHandler(func(m *Message) { ch <- m })
	return ch
}

func next(t *testing.T, ch <-chan *Message) *Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func connectedPipe(t *testing.T) (r, w *Queue, got <-chan *Message) {
	t.Helper()
	r, w, err := NewPipe()
	require.NoError(t, err)
	got = collect(r)
	require.NoError(t, r.Connect(RoleReceiver))
	require.NoError(t, w.Connect(RoleSender))
	t.Cleanup(func() {
		w.Close()
		r.Close()
		<-r.Done()
		<-w.Done()
	})
	return r, w, got
}

func TestQueueOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r, w, got := connectedPipe(t)
	require.True(t, r.IsAlive())
	require.Equal(t, RoleSender, w.Role())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := int32(0); i < 100; i++ {
		require.NoError(t, w.Send(ctx, NewMessage(CmdNewChange, Text("contact"), Int32(i))))
	}
	for i := int32(0); i < 100; i++ {
		m := next(t, got)
		require.Equal(t, CmdNewChange, m.Cmd)
		fr := m.Fields()
		fr.Text()
		require.Equal(t, i, fr.Int32())
	}

	require.NoError(t, w.Disconnect())
	require.Equal(t, CmdQueueHUP, next(t, got).Cmd)
	<-r.Done()
	require.False(t, r.IsAlive())
}

func TestQueueSendAfterDisconnect(t *testing.T) {
	_, w, _ := connectedPipe(t)
	require.NoError(t, w.Disconnect())

	err := w.Send(context.Background(), NewMessage(CmdFinalize))
	require.ErrorIs(t, err, ErrNotConnected)
	require.ErrorIs(t, w.Disconnect(), ErrNotConnected)
	require.ErrorIs(t, w.Connect(RoleSender), ErrQueueClosed)
}

func TestQueueConnectChecksEnd(t *testing.T) {
	r, w, err := NewPipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	var terr *TransportError
	require.True(t, errors.As(r.Connect(RoleSender), &terr))
	require.True(t, errors.As(w.Connect(RoleReceiver), &terr))
	require.True(t, errors.As(w.Connect(RoleNone), &terr))
}

func TestQueueWriterVanishes(t *testing.T) {
	r, w, err := NewPipe()
	require.NoError(t, err)
	got := collect(r)
	require.NoError(t, r.Connect(RoleReceiver))
	defer r.Close()

	// Closing the write end without a hang-up frame looks like a crash.
	require.NoError(t, w.Close())
	m := next(t, got)
	require.Equal(t, CmdQueueError, m.Cmd)
	<-r.Done()
	require.False(t, r.IsAlive())
}

func TestQueueReceiverHangsUp(t *testing.T) {
	r, w, _ := connectedPipe(t)
	events := collect(w)

	require.NoError(t, r.Disconnect())
	require.Equal(t, CmdQueueHUP, next(t, events).Cmd)
	require.Eventually(t, func() bool { return !w.IsAlive() }, 5*time.Second, 10*time.Millisecond)
	require.True(t, w.IsConnected())
}

func TestQueueSendTimeout(t *testing.T) {
	r, w, err := NewPipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()
	require.NoError(t, w.Connect(RoleSender))

	// Nobody reads, so a body larger than the pipe buffer cannot go out.
	big := NewMessage(CmdCommitChange, Text("contact"), Change(make(ChangeRecord, 1<<20)))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = w.Send(ctx, big)
	var terr *TimeoutError
	require.True(t, errors.As(err, &terr), "got %v", err)
	require.Equal(t, CmdCommitChange, terr.Cmd)

	// The partial frame poisons the stream.
	err = w.Send(context.Background(), NewMessage(CmdFinalize))
	require.Error(t, err)
	require.False(t, errors.As(err, &terr))
}

func TestQueueDoneWhenUnconnected(t *testing.T) {
	r, w, err := NewPipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	select {
	case <-r.Done():
	default:
		t.Fatal("Done of an unconnected queue should be closed")
	}
	require.True(t, r.Exists())
	require.Equal(t, RoleNone, r.Role())
}

// writeFrame puts raw bytes on a connected sender.
func writeFrame(q *Queue, frame []byte) error {
	q.writeMu.Lock()
	defer q.writeMu.Unlock()
	f, err := q.sender()
	if err != nil {
		return err
	}
	_, err = f.Write(frame)
	return err
}

func TestQueueSurvivesUndecodableFrame(t *testing.T) {
	r, w, got := connectedPipe(t)

	bad, err := frameCodec{}.encode(&Message{Cmd: CmdReply, ID: 9})
	require.NoError(t, err)
	bad[4] = 99
	require.NoError(t, writeFrame(w, bad))
	require.NoError(t, w.Send(context.Background(), &Message{Cmd: CmdReply, ID: 10}))

	m := next(t, got)
	require.NotNil(t, m.bad)
	require.Equal(t, Command(99), m.Cmd)
	require.Equal(t, uint32(9), m.ID)

	m = next(t, got)
	require.Nil(t, m.bad)
	require.Equal(t, uint32(10), m.ID)
	require.True(t, r.IsAlive())

	// A length that cannot be a frame still ends the stream.
	require.NoError(t, writeFrame(w, []byte{0, 0, 0, 1, 0}))
	m = next(t, got)
	require.Equal(t, CmdQueueError, m.Cmd)
	<-r.Done()
	require.False(t, r.IsAlive())
}
