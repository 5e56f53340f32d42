// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

//go:build !linux

package pluginrpc

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("pluginrpc: FIFO queues need linux")

func makeFIFO(string) error { return errUnsupported }

func fifoExists(string) bool { return false }

func openFIFO(string, Role) (*os.File, error) { return nil, errUnsupported }

func inheritFD(fd uintptr, name string) (*os.File, error) {
	return os.NewFile(fd, name), nil
}

type hangupWatch struct{ done chan struct{} }

// Without poll there is no hang-up detection; the watch only tracks close.
func watchHangup(_ *os.File, _ func(), done chan struct{}) (*hangupWatch, error) {
	return &hangupWatch{done: done}, nil
}

func (w *hangupWatch) close() {
	if w != nil {
		close(w.done)
	}
}
