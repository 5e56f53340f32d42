// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package status reports the proxies of a process over JSON-RPC and the
// gRPC health protocol.
package status

import (
	"slices"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/luxfi/pluginrpc"
)

// Registry tracks proxies. Each proxy is a health service under its name;
// the overall service "" is SERVING while every tracked proxy is ready.
type Registry struct {
	log    logr.Logger
	health *health.Server

	mu      sync.RWMutex
	proxies map[string]*pluginrpc.Proxy // by name
}

// NewRegistry returns an empty registry.
func NewRegistry(log logr.Logger) *Registry {
	return &Registry{
		log:     log,
		health:  health.NewServer(),
		proxies: make(map[string]*pluginrpc.Proxy),
	}
}

// Add starts tracking p. Pass r.Observe to pluginrpc.WithStateObserver to
// keep its health current.
func (r *Registry) Add(p *pluginrpc.Proxy) {
	r.mu.Lock()
	r.proxies[p.Name()] = p
	r.mu.Unlock()
	r.update(p)
}

// Remove stops tracking p.
func (r *Registry) Remove(p *pluginrpc.Proxy) {
	r.mu.Lock()
	if r.proxies[p.Name()] == p {
		delete(r.proxies, p.Name())
	}
	r.mu.Unlock()
	r.health.SetServingStatus(p.Name(), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	r.updateOverall()
}

// Observe is a pluginrpc.StateObserver.
func (r *Registry) Observe(p *pluginrpc.Proxy, from, to pluginrpc.State) {
	r.log.V(1).Info("proxy state", "plugin", p.Name(), "from", from, "to", to)
	r.mu.RLock()
	tracked := r.proxies[p.Name()] == p
	r.mu.RUnlock()
	if tracked {
		r.update(p)
	}
}

func (r *Registry) update(p *pluginrpc.Proxy) {
	// Transitions can be reported out of order; the current state cannot.
	r.health.SetServingStatus(p.Name(), servingStatus(p.State()))
	r.updateOverall()
}

func (r *Registry) updateOverall() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := healthpb.HealthCheckResponse_SERVING
	for _, p := range r.proxies {
		if p.State() != pluginrpc.StateReady {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	r.health.SetServingStatus("", st)
}

func servingStatus(s pluginrpc.State) healthpb.HealthCheckResponse_ServingStatus {
	if s == pluginrpc.StateReady {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Health returns the health server kept by the registry.
func (r *Registry) Health() *health.Server { return r.health }

// RegisterGRPC serves the registry's health on s.
func (r *Registry) RegisterGRPC(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.health)
}

// Snapshots returns a snapshot of every tracked proxy, sorted by name.
func (r *Registry) Snapshots() []pluginrpc.Snapshot {
	r.mu.RLock()
	proxies := make([]*pluginrpc.Proxy, 0, len(r.proxies))
	for _, p := range r.proxies {
		proxies = append(proxies, p)
	}
	r.mu.RUnlock()

	out := make([]pluginrpc.Snapshot, 0, len(proxies))
	for _, p := range proxies {
		out = append(out, p.Snapshot())
	}
	slices.SortFunc(out, func(a, b pluginrpc.Snapshot) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Lookup finds a proxy by name or id.
func (r *Registry) Lookup(key string) (*pluginrpc.Proxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.proxies[key]; ok {
		return p, true
	}
	for _, p := range r.proxies {
		if p.ID() == key {
			return p, true
		}
	}
	return nil, false
}
