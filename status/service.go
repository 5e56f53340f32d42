// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package status

import (
	"fmt"
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/pluginrpc"
)

// ServiceName is the JSON-RPC service name; methods are "status.List" and
// "status.Get".
const ServiceName = "status"

// Service is the JSON-RPC view of a Registry.
type Service struct {
	reg *Registry
}

type ListArgs struct{}

type ListReply struct {
	Proxies []pluginrpc.Snapshot `json:"proxies"`
}

// List returns every tracked proxy.
func (s *Service) List(_ *http.Request, _ *ListArgs, reply *ListReply) error {
	reply.Proxies = s.reg.Snapshots()
	return nil
}

type GetArgs struct {
	// Name is a proxy name or id.
	Name string `json:"name"`
}

type GetReply struct {
	Proxy pluginrpc.Snapshot `json:"proxy"`
}

// Get returns one proxy.
func (s *Service) Get(_ *http.Request, args *GetArgs, reply *GetReply) error {
	p, ok := s.reg.Lookup(args.Name)
	if !ok {
		return &json2.Error{Code: json2.E_BAD_PARAMS, Message: fmt.Sprintf("no proxy %q", args.Name)}
	}
	reply.Proxy = p.Snapshot()
	return nil
}

// NewHandler returns an http.Handler serving the registry over JSON-RPC 2.0.
func NewHandler(reg *Registry) (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(&Service{reg: reg}, ServiceName); err != nil {
		return nil, fmt.Errorf("register %s service: %w", ServiceName, err)
	}
	return server, nil
}
