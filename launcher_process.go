// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/go-logr/logr"
)

// DefaultRunner is the runner binary a ProcessLauncher starts when Path is
// empty.
const DefaultRunner = "plugin-runner"

// ProcessLauncher starts the plugin runner as a child process. The child gets
// its read end of the engine->plugin pipe as fd 3 and its write end of the
// plugin->engine pipe as fd 4, and is run as
//
//	<Path> <Args...> -f 3 4
type ProcessLauncher struct {
	// Path is looked up in PATH. Default: DefaultRunner.
	Path string
	// Fallback is tried when Path is not found. Default: "./" + base(Path).
	// Relative paths are resolved against the engine's working directory.
	Fallback string
	Args     []string
	Env      []string
	Dir      string
	// Stderr receives the child's stderr. Default: os.Stderr.
	Stderr io.Writer
}

func (*ProcessLauncher) Kind() PeerKind { return PeerProcess }

func (l *ProcessLauncher) resolve() (string, error) {
	path := l.Path
	if path == "" {
		path = DefaultRunner
	}
	found, err := exec.LookPath(path)
	if err == nil {
		return filepath.Abs(found)
	}
	if !errors.Is(err, exec.ErrNotFound) {
		return "", err
	}
	fallback := l.Fallback
	if fallback == "" {
		fallback = "." + string(filepath.Separator) + filepath.Base(path)
	}
	found, ferr := exec.LookPath(fallback)
	if ferr != nil {
		return "", fmt.Errorf("%w (fallback: %v)", err, ferr)
	}
	// The child starts in Dir, not in our working directory.
	return filepath.Abs(found)
}

func (l *ProcessLauncher) Launch(_ context.Context, log logr.Logger, opts ...QueueOption) (*Endpoint, error) {
	path, err := l.resolve()
	if err != nil {
		return nil, &SpawnError{Kind: PeerProcess, Err: err}
	}

	toR, toW, err := NewPipe(opts...)
	if err != nil {
		return nil, &SpawnError{Kind: PeerProcess, Err: err}
	}
	fromR, fromW, err := NewPipe(opts...)
	if err != nil {
		toR.Close()
		toW.Close()
		return nil, &SpawnError{Kind: PeerProcess, Err: err}
	}
	success := false
	defer func() {
		// The child's ends are never used by the parent, and keeping them
		// open would hide the child's exit from both queues.
		toR.Close()
		fromW.Close()
		if !success {
			toW.Close()
			fromR.Close()
		}
	}()

	args := append(append([]string{}, l.Args...), "-f", "3", "4")
	cmd := exec.Command(path, args...)
	cmd.ExtraFiles = []*os.File{toR.detach(), fromW.detach()}
	cmd.Dir = l.Dir
	if l.Env != nil {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Kind: PeerProcess, Err: err}
	}
	success = true

	log.V(1).Info("started plugin runner", "path", path, "pid", cmd.Process.Pid)
	return &Endpoint{
		Outgoing: toW,
		Incoming: fromR,
		Peer:     &processPeer{cmd: cmd, log: log},
	}, nil
}

type processPeer struct {
	cmd  *exec.Cmd
	log  logr.Logger
	stop stopOnce
}

func (p *processPeer) String() string {
	return fmt.Sprintf("process:%d", p.cmd.Process.Pid)
}

func (p *processPeer) Stop(ctx context.Context) (ExitStatus, error) {
	return p.stop.do(func() (ExitStatus, error) {
		waitErr := make(chan error, 1)
		go func() { waitErr <- p.cmd.Wait() }()

		var err error
		select {
		case err = <-waitErr:
		case <-ctx.Done():
			p.log.Info("plugin runner did not exit, killing it", "pid", p.cmd.Process.Pid)
			if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
				p.log.Error(kerr, "kill failed", "pid", p.cmd.Process.Pid)
			}
			err = <-waitErr
		}

		st := ExitStatus{Pid: p.cmd.Process.Pid}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return st, fmt.Errorf("wait for %s: %w", p, err)
		}
		ps := p.cmd.ProcessState
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			st.Code = -1
			st.Signal = ws.Signal().String()
		} else {
			st.Code = ps.ExitCode()
		}
		return st, nil
	})
}

var _ Peer = (*processPeer)(nil)
