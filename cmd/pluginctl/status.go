// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/luxfi/pluginrpc/status"
)

func newStatusCommand() *cobra.Command {
	var endpoint string
	cmd := &cobra.Command{
		Use:   "status [name]",
		Short: "Show the proxies served by a running pluginctl",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := []status.Option{status.WithLogger(klog.NewKlogr().WithName("status"))}
			var result interface{}
			if len(args) == 1 {
				var reply status.GetReply
				if err := status.Call(cmd.Context(), endpoint, status.ServiceName+".Get", &status.GetArgs{Name: args[0]}, &reply, opts...); err != nil {
					return err
				}
				result = reply.Proxy
			} else {
				var reply status.ListReply
				if err := status.Call(cmd.Context(), endpoint, status.ServiceName+".List", &status.ListArgs{}, &reply, opts...); err != nil {
					return err
				}
				result = reply.Proxies
			}
			out, err := yaml.Marshal(result)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(out)
			return err
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "http://127.0.0.1:9650/status", "Status endpoint of a running pluginctl")
	return cmd
}
