// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"google.golang.org/grpc"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/luxfi/pluginrpc"
	"github.com/luxfi/pluginrpc/internal/echoplugin"
	"github.com/luxfi/pluginrpc/status"
)

type runOptions struct {
	name         string
	mode         string
	plugin       string
	runner       string
	dir          string
	configDir    string
	configFile   string
	timeoutsFile string
	statusAddr   string
	grpcAddr     string
	compress     int
}

func (o *runOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.name, "name", "echo", "Name of the data source")
	fs.StringVar(&o.mode, "mode", "process", "How to run the plugin: process, thread or external")
	fs.StringVar(&o.plugin, "plugin", echoplugin.Name, "Registered plugin to run (thread and process modes)")
	fs.StringVar(&o.runner, "runner", pluginrpc.DefaultRunner, "Runner binary (process mode)")
	fs.StringVar(&o.dir, "dir", "", "Directory holding pluginpipe and enginepipe (external mode)")
	fs.StringVar(&o.configDir, "config-dir", "", "Configuration directory passed to Initialize")
	fs.StringVar(&o.configFile, "config", "", "Plugin configuration file passed to Initialize")
	fs.StringVar(&o.timeoutsFile, "timeouts", "", "YAML file overriding per-verb timeouts")
	fs.StringVar(&o.statusAddr, "status-addr", "", "Serve JSON-RPC status and metrics on this address")
	fs.StringVar(&o.grpcAddr, "grpc-addr", "", "Serve gRPC health on this address")
	fs.IntVar(&o.compress, "compress-above", 64*1024, "Compress message bodies larger than this many bytes, 0 disables")
}

func (o *runOptions) launcher() (pluginrpc.Launcher, error) {
	kind, err := pluginrpc.ParsePeerKind(o.mode)
	if err != nil {
		return nil, err
	}
	switch kind {
	case pluginrpc.PeerThread:
		return &pluginrpc.ThreadLauncher{Plugin: o.plugin}, nil
	case pluginrpc.PeerProcess:
		return &pluginrpc.ProcessLauncher{Path: o.runner, Args: []string{"--plugin", o.plugin}}, nil
	}
	if o.dir == "" {
		return nil, errors.New("--dir is required in external mode")
	}
	return &pluginrpc.ExternalLauncher{Dir: o.dir}, nil
}

func newRunCommand() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a plugin, initialize it and print its sinks",
		Long: `run brings up the plugin, initializes it and prints the sinks it reports.
With --status-addr or --grpc-addr it keeps the plugin running and serves its
status until interrupted, then finalizes it and shuts it down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}
	o.addFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, o *runOptions) error {
	logger := klog.NewKlogr().WithName("pluginctl")

	launcher, err := o.launcher()
	if err != nil {
		return err
	}
	timeouts := pluginrpc.DefaultTimeouts()
	if o.timeoutsFile != "" {
		if timeouts, err = pluginrpc.LoadTimeouts(o.timeoutsFile); err != nil {
			return err
		}
	}
	var config []byte
	if o.configFile != "" {
		if config, err = os.ReadFile(o.configFile); err != nil {
			return err
		}
	}

	promReg := prometheus.NewRegistry()
	reg := status.NewRegistry(logger.WithName("status"))
	proxy := pluginrpc.NewProxy(o.name, launcher,
		pluginrpc.WithLogger(logger),
		pluginrpc.WithTimeouts(timeouts),
		pluginrpc.WithMetrics(pluginrpc.NewMetrics(promReg)),
		pluginrpc.WithStateObserver(reg.Observe),
		pluginrpc.WithCompression(o.compress),
		pluginrpc.WithChangeHandler(func(cmd pluginrpc.Command, objType string, change pluginrpc.ChangeRecord) {
			logger.Info("change", "cmd", cmd, "objType", objType, "bytes", len(change))
		}),
	)
	reg.Add(proxy)
	defer reg.Remove(proxy)

	if err := proxy.Spawn(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Disconnect+5*time.Second)
		defer cancel()
		if err := proxy.Shutdown(sctx); err != nil {
			logger.Error(err, "shutdown")
		}
		if st, ok := proxy.ExitStatus(); ok && st.Abnormal() {
			logger.Info("plugin ended abnormally", "status", st.String())
		}
	}()

	if launcher.Kind() != pluginrpc.PeerExternal {
		err := await(ctx, func(done func(error)) error {
			return proxy.Initialize(pluginrpc.InitConfig{Plugin: o.plugin, ConfigDir: o.configDir, Config: config}, done)
		})
		if err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
	}
	var member pluginrpc.MemberInfo
	if err := await(ctx, func(done func(error)) error { return proxy.Discover(&member, done) }); err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	out, err := yaml.Marshal(struct {
		HasMainSink bool                       `json:"hasMainSink"`
		Sinks       []pluginrpc.SinkDescriptor `json:"sinks"`
		Version     *pluginrpc.VersionInfo     `json:"version,omitempty"`
	}{proxy.HasMainSink(), proxy.Sinks(), member.Version})
	if err != nil {
		return err
	}
	os.Stdout.Write(out)

	if o.statusAddr != "" || o.grpcAddr != "" {
		if err := serveStatus(ctx, logger, o, reg, promReg); err != nil {
			return err
		}
	}

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.Finalize)
	defer cancel()
	if err := await(fctx, proxy.Finalize); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

// await issues one call and waits for its callback.
func await(ctx context.Context, issue func(done func(error)) error) error {
	result := make(chan error, 1)
	if err := issue(func(err error) { result <- err }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serveStatus serves until ctx is cancelled.
func serveStatus(ctx context.Context, logger logr.Logger, o *runOptions, reg *status.Registry, promReg *prometheus.Registry) error {
	errCh := make(chan error, 2)

	if o.statusAddr != "" {
		handler, err := status.NewHandler(reg)
		if err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/status", handler)
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: o.statusAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logger.Info("serving status", "addr", o.statusAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer srv.Close()
	}

	if o.grpcAddr != "" {
		lis, err := net.Listen("tcp", o.grpcAddr)
		if err != nil {
			return err
		}
		gs := grpc.NewServer()
		reg.RegisterGRPC(gs)
		go func() {
			logger.Info("serving health", "addr", o.grpcAddr)
			if err := gs.Serve(lis); err != nil {
				errCh <- err
			}
		}()
		defer gs.Stop()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
