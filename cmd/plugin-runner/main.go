// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// plugin-runner serves a registered plugin on the two pipe descriptors it
// inherits from the engine:
//
//	plugin-runner [--plugin echo] -f <readFD> <writeFD>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"

	"github.com/luxfi/pluginrpc"
	_ "github.com/luxfi/pluginrpc/internal/echoplugin"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		klog.ErrorS(err, "plugin-runner failed")
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func newRootCommand() *cobra.Command {
	var (
		plugin string
		fds    bool
	)

	cmd := &cobra.Command{
		Use:   "plugin-runner -f <readFD> <writeFD>",
		Short: "Serve a sync plugin on inherited pipe descriptors",
		Long: `plugin-runner is started by the sync engine for each data source that
runs in process mode. It reads requests from <readFD>, writes replies and
change notifications to <writeFD>, and exits once the engine hangs up.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if !fds {
				return fmt.Errorf("-f <readFD> <writeFD> is required")
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			readFD, err := parseFD(args[0])
			if err != nil {
				return err
			}
			writeFD, err := parseFD(args[1])
			if err != nil {
				return err
			}
			if !pluginrpc.HasPlugin(plugin) {
				return fmt.Errorf("unknown plugin %q, have %v", plugin, pluginrpc.AvailablePlugins())
			}

			logger := klog.NewKlogr().WithName("plugin-runner").WithValues("plugin", plugin)
			logger.V(1).Info("starting", "readFD", readFD, "writeFD", writeFD)
			err = pluginrpc.ServeInherited(cmd.Context(), logger, plugin, readFD, writeFD)
			if err != nil && cmd.Context().Err() == nil {
				return err
			}
			logger.V(1).Info("engine hung up")
			return nil
		},
		SilenceUsage: true,
	}

	fs := pflag.NewFlagSet("", pflag.ExitOnError)
	fs.StringVar(&plugin, "plugin", "echo", "Registered plugin to serve")
	fs.BoolVarP(&fds, "fds", "f", false, "Take the read and write descriptors as arguments")

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)
	cmd.Flags().AddFlagSet(fs)

	return cmd
}

func parseFD(s string) (uintptr, error) {
	fd, err := strconv.ParseUint(s, 10, 32)
	if err != nil || fd < 3 {
		return 0, fmt.Errorf("invalid descriptor %q", s)
	}
	return uintptr(fd), nil
}
