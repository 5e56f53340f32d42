// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func waitErr(t *testing.T, issue func(cb func(error)) error) error {
	t.Helper()
	done := make(chan error, 1)
	require.NoError(t, issue(func(err error) { done <- err }))
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("callback did not run")
		return nil
	}
}

func TestProxyUndecodableReplyFailsOnlyItsCall(t *testing.T) {
	var inits atomic.Int32
	setup := func(srv *PluginServer) error {
		srv.Handle(CmdInitialize, RequestHandlerFunc(func(_ context.Context, req *Request) {
			if inits.Add(1) > 1 {
				req.Reply()
				return
			}
			frame, err := frameCodec{}.encode(&Message{Cmd: CmdReply, ID: req.ID})
			if err != nil {
				t.Errorf("encode: %v", err)
				return
			}
			frame[4] = 99
			if err := writeFrame(req.out, frame); err != nil {
				t.Errorf("write: %v", err)
			}
		}))
		srv.Handle(CmdFinalize, RequestHandlerFunc(func(_ context.Context, req *Request) {
			// An error domain that does not fit in 32 bits.
			frame, err := frameCodec{}.encode(&Message{Cmd: CmdErrorReply, ID: req.ID})
			if err != nil {
				t.Errorf("encode: %v", err)
				return
			}
			body := protowire.AppendTag(nil, protowire.Number(KindInt32), protowire.VarintType)
			body = protowire.AppendVarint(body, protowire.EncodeZigZag(1<<32))
			body = protowire.AppendTag(body, protowire.Number(KindText), protowire.BytesType)
			body = protowire.AppendString(body, "boom")
			frame = append(frame, body...)
			frame[3] += byte(len(body))
			if err := writeFrame(req.out, frame); err != nil {
				t.Errorf("write: %v", err)
			}
		}))
		return nil
	}
	p := NewProxy("raw", &ThreadLauncher{Setup: setup})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Spawn(ctx))

	err := waitErr(t, func(cb func(error)) error { return p.Initialize(InitConfig{}, cb) })
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr), "got %v", err)
	require.Equal(t, Command(99), perr.Cmd)
	var terr *TransportError
	require.False(t, errors.As(err, &terr))
	require.Equal(t, StateConnected, p.State())

	// The link is still usable.
	require.NoError(t, waitErr(t, func(cb func(error)) error { return p.Initialize(InitConfig{}, cb) }))
	require.Equal(t, StateReady, p.State())

	err = waitErr(t, p.Finalize)
	require.True(t, errors.As(err, &perr), "got %v", err)
	require.Equal(t, CmdErrorReply, perr.Cmd)
	require.Equal(t, StateReady, p.State())
	require.Zero(t, p.Pending())

	require.NoError(t, p.Shutdown(ctx))
}

func TestPluginAnswersUndecodableRequest(t *testing.T) {
	toR, toW, err := NewPipe()
	require.NoError(t, err)
	fromR, fromW, err := NewPipe()
	require.NoError(t, err)

	srv := NewPluginServer(logr.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, toR, fromW) }()

	got := collect(fromR)
	require.NoError(t, fromR.Connect(RoleReceiver))
	require.NoError(t, toW.ConnectWithRetry(ctx, RoleSender))

	bad, err := frameCodec{}.encode(&Message{Cmd: CmdConnect, ID: 4})
	require.NoError(t, err)
	bad[4] = 99
	require.NoError(t, writeFrame(toW, bad))

	m := next(t, got)
	require.Equal(t, CmdErrorReply, m.Cmd)
	require.Equal(t, uint32(4), m.ID)
	var rerr *RemoteError
	require.True(t, errors.As(decodeRemoteError(m), &rerr))
	require.Equal(t, DomainGeneric, rerr.Domain)

	// The plugin still serves: an unknown but well-formed request gets NOT_SUPPORTED.
	require.NoError(t, toW.Send(ctx, &Message{Cmd: CmdConnect, ID: 5, Values: []Value{Text("contact"), Bool(false)}}))
	m = next(t, got)
	require.Equal(t, uint32(5), m.ID)
	require.True(t, errors.As(decodeRemoteError(m), &rerr))
	require.Equal(t, DomainNotSupported, rerr.Domain)

	require.NoError(t, toW.Disconnect())
	require.NoError(t, <-served)
	fromR.Close()
	<-fromR.Done()
	toW.Close()
}
