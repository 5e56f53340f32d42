// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFD(t *testing.T) {
	fd, err := parseFD("4")
	require.NoError(t, err)
	require.Equal(t, uintptr(4), fd)

	for _, s := range []string{"0", "2", "-3", "x", ""} {
		_, err := parseFD(s)
		require.Error(t, err, s)
	}
}

func TestArgs(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--plugin", "echo", "-f", "3", "4"}))
	require.NoError(t, cmd.ValidateArgs(cmd.Flags().Args()))

	cmd = newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"3", "4"}))
	require.Error(t, cmd.ValidateArgs(cmd.Flags().Args()), "-f is required")

	cmd = newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"-f", "3"}))
	require.Error(t, cmd.ValidateArgs(cmd.Flags().Args()))
}
