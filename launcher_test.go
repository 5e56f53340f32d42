// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/pluginrpc"
	"github.com/luxfi/pluginrpc/internal/echoplugin"
)

// The test binary doubles as the plugin runner: started with this variable
// set, it serves the named plugin on fds 3 and 4 instead of running tests.
const peerEnv = "PLUGINRPC_TEST_PEER"

func TestMain(m *testing.M) {
	name := os.Getenv(peerEnv)
	if name == "" {
		os.Exit(m.Run())
	}

	pluginrpc.RegisterPlugin("exit1", func(srv *pluginrpc.PluginServer) error {
		srv.HandleFunc(pluginrpc.CmdInitialize, func(context.Context, *pluginrpc.Message) ([]pluginrpc.Value, error) {
			os.Exit(1)
			return nil, nil
		})
		return nil
	})
	if err := pluginrpc.ServeInherited(context.Background(), logr.Discard(), name, 3, 4); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	os.Exit(0)
}

func processLauncher(plugin string) *pluginrpc.ProcessLauncher {
	return &pluginrpc.ProcessLauncher{
		Path: os.Args[0],
		Env:  []string{peerEnv + "=" + plugin},
	}
}

func TestProcessPeer(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("hang-up detection needs linux")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p := pluginrpc.NewProxy("echo", processLauncher(echoplugin.Name), pluginrpc.WithLogger(testr.New(t)))
	require.NoError(t, p.Spawn(ctx))
	require.Equal(t, pluginrpc.PeerProcess, p.Kind())
	initialize(t, p, echoConfig)

	var member pluginrpc.MemberInfo
	require.NoError(t, do(t, func(cb func(error)) error { return p.Discover(&member, cb) }))
	require.Len(t, p.Sinks(), 2)
	require.NoError(t, do(t, p.Finalize))

	require.NoError(t, p.Shutdown(ctx))
	st, ok := p.ExitStatus()
	require.True(t, ok)
	require.Equal(t, 0, st.Code, st.String())
	require.NotZero(t, st.Pid)
}

func TestProcessPeerExitsAbnormally(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("hang-up detection needs linux")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	p := pluginrpc.NewProxy("exit1", processLauncher("exit1"))
	require.NoError(t, p.Spawn(ctx))

	// The runner dies while handling the call.
	err := do(t, func(cb func(error)) error {
		return p.Initialize(pluginrpc.InitConfig{}, cb)
	})
	// Either direction may notice first.
	var terr *pluginrpc.TransportError
	require.True(t, errors.As(err, &terr), "got %v", err)
	require.True(t, errors.Is(err, pluginrpc.ErrPeerLost) || errors.Is(err, pluginrpc.ErrPeerHangup), "got %v", err)
	require.Equal(t, pluginrpc.StateTerminated, p.State())

	require.NoError(t, p.Shutdown(ctx))
	st, ok := p.ExitStatus()
	require.True(t, ok)
	require.True(t, st.Abnormal())
	require.Equal(t, 1, st.Code)
	require.Equal(t, "exit status 1", st.String())
}

func TestProcessLauncherNotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := pluginrpc.NewProxy("echo", &pluginrpc.ProcessLauncher{
		Path:     "pluginrpc-no-such-runner",
		Fallback: filepath.Join(t.TempDir(), "missing"),
	})
	err := p.Spawn(ctx)
	var serr *pluginrpc.SpawnError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, pluginrpc.PeerProcess, serr.Kind)
	require.Equal(t, pluginrpc.StateUnconnected, p.State())
}

func TestProcessLauncherFallback(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("hang-up detection needs linux")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// A relative fallback is taken from our working directory even though
	// the child starts somewhere else.
	self, err := filepath.Abs(os.Args[0])
	require.NoError(t, err)
	cwd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(cwd, self)
	require.NoError(t, err)
	if !strings.ContainsRune(rel, filepath.Separator) {
		rel = "." + string(filepath.Separator) + rel
	}

	l := processLauncher(echoplugin.Name)
	l.Path = "pluginrpc-no-such-runner"
	l.Fallback = rel
	l.Dir = t.TempDir()
	p := pluginrpc.NewProxy("echo", l)
	require.NoError(t, p.Spawn(ctx))
	initialize(t, p, echoConfig)

	require.NoError(t, p.Shutdown(ctx))
	st, ok := p.ExitStatus()
	require.True(t, ok)
	require.False(t, st.Abnormal(), st.String())
}

func TestExternalPeer(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("FIFOs need linux")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	dir := t.TempDir()
	in, err := pluginrpc.NewFIFO(filepath.Join(dir, pluginrpc.PluginPipeName))
	require.NoError(t, err)
	out, err := pluginrpc.NewFIFO(filepath.Join(dir, pluginrpc.EnginePipeName))
	require.NoError(t, err)
	srv := pluginrpc.NewPluginServer(logr.Discard())
	require.NoError(t, echoplugin.Install(srv))
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, in, out) }()

	p := pluginrpc.NewProxy("echo", &pluginrpc.ExternalLauncher{Dir: dir})
	require.NoError(t, p.Spawn(ctx))
	require.Equal(t, pluginrpc.StateReady, p.State(), "an external peer needs no Initialize")

	require.NoError(t, do(t, func(cb func(error)) error { return p.Discover(nil, cb) }))
	require.Equal(t, "contact", p.Sinks()[0].Name)

	require.NoError(t, p.Shutdown(ctx))
	require.NoError(t, <-served)
	_, ok := p.ExitStatus()
	require.False(t, ok, "nobody to reap")

	// The FIFOs belong to whoever set them up.
	require.FileExists(t, filepath.Join(dir, pluginrpc.PluginPipeName))
	require.NoError(t, in.Remove())
	require.NoError(t, out.Remove())
}

func TestExternalLauncherCleansUpOnFailure(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("FIFOs need linux")
	}
	dir := t.TempDir()
	// A regular file where the engine pipe should be.
	require.NoError(t, os.WriteFile(filepath.Join(dir, pluginrpc.EnginePipeName), nil, 0o600))

	l := &pluginrpc.ExternalLauncher{Dir: dir}
	_, err := l.Launch(context.Background(), logr.Discard())
	var serr *pluginrpc.SpawnError
	require.True(t, errors.As(err, &serr), "got %v", err)
	require.NoFileExists(t, filepath.Join(dir, pluginrpc.PluginPipeName))

	// A FIFO that was already there is not ours to remove.
	pre, err := pluginrpc.NewFIFO(filepath.Join(dir, pluginrpc.PluginPipeName))
	require.NoError(t, err)
	_, err = l.Launch(context.Background(), logr.Discard())
	require.Error(t, err)
	require.True(t, pre.Exists())
	require.NoError(t, pre.Remove())
}

func TestParsePeerKind(t *testing.T) {
	for _, k := range []pluginrpc.PeerKind{pluginrpc.PeerThread, pluginrpc.PeerProcess, pluginrpc.PeerExternal} {
		got, err := pluginrpc.ParsePeerKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, got)
	}
	_, err := pluginrpc.ParsePeerKind("fork")
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	require.True(t, pluginrpc.HasPlugin(echoplugin.Name))
	require.Contains(t, pluginrpc.AvailablePlugins(), echoplugin.Name)
	require.False(t, pluginrpc.HasPlugin("missing"))
}
