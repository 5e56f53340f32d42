// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build linux

package pluginrpc

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

func makeFIFO(path string) error {
	err := unix.Mkfifo(path, 0o600)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return err
	}
	if !fifoExists(path) {
		return fmt.Errorf("%s exists and is not a FIFO", path)
	}
	return nil
}

func fifoExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode()&os.ModeNamedPipe != 0
}

// openFIFO never blocks: a reader opens at once, a writer fails with ENXIO
// until some reader has the FIFO open.
func openFIFO(path string, role Role) (*os.File, error) {
	flags := unix.O_NONBLOCK | unix.O_CLOEXEC
	if role == RoleSender {
		flags |= unix.O_WRONLY
	} else {
		flags |= unix.O_RDONLY
	}
	fd, err := unix.Open(path, flags, 0)
	if errors.Is(err, unix.ENXIO) {
		return nil, fmt.Errorf("%w: %v", ErrPeerNotReady, err)
	}
	if err != nil {
		return nil, err
	}
	// Non-blocking descriptors get a pollable *os.File, so deadlines and
	// Close-while-reading work.
	return os.NewFile(uintptr(fd), path), nil
}

func inheritFD(fd uintptr, name string) (*os.File, error) {
	if _, err := unix.FcntlInt(fd, unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("descriptor %d: %w", fd, err)
	}
	if err := unix.SetNonblock(int(fd), true); err != nil {
		return nil, err
	}
	if _, err := unix.FcntlInt(fd, unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return nil, err
	}
	return os.NewFile(fd, name), nil
}

// hangupWatch polls a duplicate of a write end for POLLERR/POLLHUP, which the
// kernel raises once every reader of the pipe or FIFO is gone.
type hangupWatch struct {
	wake int
	done <-chan struct{}
}

func watchHangup(f *os.File, onHangup func(), done chan struct{}) (*hangupWatch, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return nil, err
	}
	fd := -1
	var dupErr error
	if err := rc.Control(func(raw uintptr) {
		fd, dupErr = unix.FcntlInt(raw, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, err
	}
	if dupErr != nil {
		return nil, dupErr
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		unix.Close(fd)
		return nil, err
	}

	go func() {
		defer close(done)
		defer unix.Close(fd)
		defer unix.Close(p[0])
		fds := []unix.PollFd{
			{Fd: int32(fd)},
			{Fd: int32(p[0]), Events: unix.POLLIN},
		}
		for {
			if _, err := unix.Poll(fds, -1); err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				return
			}
			if fds[1].Revents != 0 {
				return
			}
			if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
				onHangup()
				return
			}
		}
	}()
	return &hangupWatch{wake: p[1], done: done}, nil
}

func (w *hangupWatch) close() {
	if w == nil {
		return
	}
	select {
	case <-w.done:
	default:
		unix.Write(w.wake, []byte{0})
		<-w.done
	}
	unix.Close(w.wake)
}
