// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package echoplugin is an in-memory plugin used by the runner, the CLI and
// tests. Committed records are kept per object type and handed back by
// GetChanges and Read.
package echoplugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"sigs.k8s.io/yaml"

	"github.com/luxfi/pluginrpc"
)

// Name is the name the plugin is registered under.
const Name = "echo"

func init() {
	pluginrpc.RegisterPlugin(Name, Install)
}

// Config is the YAML the engine passes to Initialize.
type Config struct {
	// Paths maps an object type to its store, e.g. contact: /var/lib/abook.
	Paths map[string]string `json:"paths,omitempty"`
}

// Sinks are the object types the plugin reports from Discover.
var Sinks = []pluginrpc.SinkDescriptor{
	{Name: "contact", Formats: []string{"vcard30", "vcard21"}, Available: true},
	{Name: "event", Formats: []string{"vevent20"}, Available: true},
}

var storeNames = map[string]string{
	"contact": "addressbook",
	"event":   "calendar",
}

type record struct {
	uid    string
	change pluginrpc.ChangeRecord
}

// Plugin is the state behind one server.
type Plugin struct {
	srv *pluginrpc.PluginServer

	mu       sync.Mutex
	cfg      Config
	sessions map[string]int
	open     map[string]bool
	records  map[string][]record
}

// Install registers the plugin's handlers on srv.
func Install(srv *pluginrpc.PluginServer) error {
	p := &Plugin{
		srv:      srv,
		sessions: make(map[string]int),
		open:     make(map[string]bool),
		records:  make(map[string][]record),
	}
	srv.HandleFunc(pluginrpc.CmdInitialize, p.initialize)
	srv.HandleFunc(pluginrpc.CmdFinalize, empty)
	srv.HandleFunc(pluginrpc.CmdDiscover, p.discover)
	srv.HandleFunc(pluginrpc.CmdConnect, p.connect)
	srv.HandleFunc(pluginrpc.CmdDisconnect, p.disconnect)
	srv.HandleFunc(pluginrpc.CmdReadChange, p.read)
	srv.HandleFunc(pluginrpc.CmdGetChanges, p.getChanges)
	srv.HandleFunc(pluginrpc.CmdCommitChange, p.commit)
	srv.HandleFunc(pluginrpc.CmdCommittedAll, p.objTypeOnly)
	srv.HandleFunc(pluginrpc.CmdSyncDone, p.objTypeOnly)
	return nil
}

func empty(context.Context, *pluginrpc.Message) ([]pluginrpc.Value, error) {
	return nil, nil
}

func (p *Plugin) initialize(_ context.Context, msg *pluginrpc.Message) ([]pluginrpc.Value, error) {
	r := msg.Fields()
	_, _, raw := r.Text(), r.Text(), r.Bytes()
	if err := r.Done(); err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &pluginrpc.RemoteError{Domain: pluginrpc.DomainMisconfiguration, Message: err.Error()}
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	return nil, nil
}

func (p *Plugin) discover(context.Context, *pluginrpc.Message) ([]pluginrpc.Value, error) {
	return pluginrpc.EncodeDiscoverReply(pluginrpc.DiscoverResult{
		HasMainSink: true,
		Sinks:       Sinks,
	}), nil
}

func (p *Plugin) connect(_ context.Context, msg *pluginrpc.Message) ([]pluginrpc.Value, error) {
	r := msg.Fields()
	objType, slow := r.Text(), r.Bool()
	if err := r.Done(); err != nil {
		return nil, err
	}
	store, ok := storeNames[objType]
	if !ok {
		return nil, &pluginrpc.RemoteError{Domain: pluginrpc.DomainParameter, Message: fmt.Sprintf("unknown object type %q", objType)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cfg.Paths[objType] == "" {
		return nil, &pluginrpc.RemoteError{Domain: pluginrpc.DomainGeneric, Message: fmt.Sprintf("no %s path set", store)}
	}
	if p.open[objType] {
		return nil, &pluginrpc.RemoteError{Domain: pluginrpc.DomainLocked, Message: fmt.Sprintf("%s already connected", store)}
	}
	// Records live in memory only, so the first session of a type is slow.
	first := p.sessions[objType] == 0
	p.sessions[objType]++
	p.open[objType] = true
	return []pluginrpc.Value{pluginrpc.Bool(!slow && first)}, nil
}

func (p *Plugin) disconnect(_ context.Context, msg *pluginrpc.Message) ([]pluginrpc.Value, error) {
	objType, err := p.objType(msg)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open[objType] = false
	return nil, nil
}

func (p *Plugin) objTypeOnly(_ context.Context, msg *pluginrpc.Message) ([]pluginrpc.Value, error) {
	_, err := p.objType(msg)
	return nil, err
}

func (p *Plugin) objType(msg *pluginrpc.Message) (string, error) {
	r := msg.Fields()
	objType := r.Text()
	if err := r.Done(); err != nil {
		return "", err
	}
	return objType, nil
}

func (p *Plugin) getChanges(ctx context.Context, msg *pluginrpc.Message) ([]pluginrpc.Value, error) {
	r := msg.Fields()
	objType, _ := r.Text(), r.Bool()
	if err := r.Done(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	recs := append([]record(nil), p.records[objType]...)
	p.mu.Unlock()

	// Notifications go out before the reply on the same queue.
	for _, rec := range recs {
		if err := p.srv.Notify(ctx, pluginrpc.CmdNewChange, objType, rec.change); err != nil {
			return nil, &pluginrpc.RemoteError{Domain: pluginrpc.DomainIO, Message: err.Error()}
		}
	}
	return nil, nil
}

func (p *Plugin) read(ctx context.Context, msg *pluginrpc.Message) ([]pluginrpc.Value, error) {
	r := msg.Fields()
	objType, uid := r.Text(), string(r.Change())
	if err := r.Done(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	var found pluginrpc.ChangeRecord
	for _, rec := range p.records[objType] {
		if rec.uid == uid {
			found = rec.change
		}
	}
	p.mu.Unlock()
	if found == nil {
		return nil, &pluginrpc.RemoteError{Domain: pluginrpc.DomainFileNotFound, Message: fmt.Sprintf("%s %q not found", objType, uid)}
	}
	if err := p.srv.Notify(ctx, pluginrpc.CmdReadChange, objType, found); err != nil {
		return nil, &pluginrpc.RemoteError{Domain: pluginrpc.DomainIO, Message: err.Error()}
	}
	return nil, nil
}

func (p *Plugin) commit(_ context.Context, msg *pluginrpc.Message) ([]pluginrpc.Value, error) {
	r := msg.Fields()
	objType, change := r.Text(), r.Change()
	if err := r.Done(); err != nil {
		return nil, err
	}
	uid := uuid.NewString()
	p.mu.Lock()
	p.records[objType] = append(p.records[objType], record{uid: uid, change: change})
	p.mu.Unlock()
	return []pluginrpc.Value{pluginrpc.Text(uid)}, nil
}
