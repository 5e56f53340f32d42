// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"slices"
	"sync"
)

// PluginFactory installs a plugin's handlers on a server.
type PluginFactory func(*PluginServer) error

var (
	pluginsMu sync.RWMutex
	plugins   = map[string]PluginFactory{}
)

// RegisterPlugin makes a plugin available to ThreadLauncher and the runner
// binary. It is meant to be called from init; a later registration under the
// same name replaces the earlier one.
func RegisterPlugin(name string, factory PluginFactory) {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()
	plugins[name] = factory
}

// AvailablePlugins returns the registered plugin names, sorted.
func AvailablePlugins() []string {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()
	result := make([]string, 0, len(plugins))
	for name := range plugins {
		result = append(result, name)
	}
	slices.Sort(result)
	return result
}

// HasPlugin checks if a plugin is registered
func HasPlugin(name string) bool {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()
	_, ok := plugins[name]
	return ok
}

func lookupPlugin(name string) (PluginFactory, bool) {
	pluginsMu.RLock()
	defer pluginsMu.RUnlock()
	f, ok := plugins[name]
	return f, ok
}
