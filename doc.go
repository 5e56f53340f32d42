// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package pluginrpc lets a sync engine drive a data-source plugin that runs
// on another goroutine, in a child process, or in a process started by
// someone else, over a pair of pipes or FIFOs.
//
// # Peer Selection
//
// How the plugin is brought up is a Launcher decision made when the proxy is
// created:
//
//	&pluginrpc.ThreadLauncher{Plugin: "echo"}       // goroutine, same protocol
//	&pluginrpc.ProcessLauncher{Path: "plugin-runner"} // child, fds 3 and 4
//	&pluginrpc.ExternalLauncher{Dir: "/run/sync"}     // pluginpipe, enginepipe
//
// # Usage
//
// Engine side:
//
//	p := pluginrpc.NewProxy("addressbook", launcher,
//	    pluginrpc.WithLogger(log),
//	    pluginrpc.WithChangeHandler(onChange),
//	)
//	if err := p.Spawn(ctx); err != nil {
//	    return err
//	}
//	defer p.Shutdown(ctx)
//
//	err := p.Connect("contact", false, func(slow bool, err error) {
//	    // runs once, with the reply, a *RemoteError or a *TimeoutError
//	})
//	// err != nil means nothing was sent and the callback will not run
//
// Plugin side:
//
//	srv := pluginrpc.NewPluginServer(log)
//	srv.HandleFunc(pluginrpc.CmdConnect, func(ctx context.Context, m *pluginrpc.Message) ([]pluginrpc.Value, error) {
//	    return []pluginrpc.Value{pluginrpc.Bool(false)}, nil
//	})
//	err := srv.Serve(ctx, in, out)
//
// # Wire Format
//
// Each message is one frame:
//
//	[4 len][1 cmd][4 id][1 flags][body]
//
// The body is a sequence of protowire fields whose field number is the value
// kind, so both ends agree on field order and type. Bodies above the
// compression threshold are LZ4 blocks. Correlation id 0 marks the plugin's
// unsolicited NEW_CHANGE and READ_CHANGE notifications.
//
// # Teardown
//
// A queue closed in an orderly way reports QUEUE_HUP to its peer; a peer that
// vanishes reports QUEUE_ERROR. Proxy.Shutdown closes its incoming queue
// first, waits for the plugin to hang up the other direction, then closes the
// outgoing queue and reaps the peer.
//
// # Architecture
//
//   - message.go, codec.go: Message, typed values and the frame codec
//   - queue.go: Queue, one direction of the channel
//   - launcher.go, launcher_process.go: thread, process and external peers
//   - plugin.go, registry.go: the plugin end and the plugin registry
//   - call.go: pending calls and their deadlines
//   - proxy.go, verbs.go, discover.go: the engine end
package pluginrpc
