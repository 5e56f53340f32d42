// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Timeouts are the verb-level defaults, used when the sink of the object
// type has no override.
type Timeouts struct {
	Initialize   time.Duration
	Finalize     time.Duration
	Discover     time.Duration
	Connect      time.Duration
	Disconnect   time.Duration
	Read         time.Duration
	GetChanges   time.Duration
	Commit       time.Duration
	CommittedAll time.Duration
	SyncDone     time.Duration
}

// DefaultTimeouts returns one minute for every verb except GetChanges, which
// may enumerate a whole data source and gets five.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Initialize:   time.Minute,
		Finalize:     time.Minute,
		Discover:     time.Minute,
		Connect:      time.Minute,
		Disconnect:   time.Minute,
		Read:         time.Minute,
		GetChanges:   5 * time.Minute,
		Commit:       time.Minute,
		CommittedAll: time.Minute,
		SyncDone:     time.Minute,
	}
}

func (t Timeouts) forCommand(cmd Command) time.Duration {
	switch cmd {
	case CmdInitialize:
		return t.Initialize
	case CmdFinalize:
		return t.Finalize
	case CmdDiscover:
		return t.Discover
	case CmdConnect:
		return t.Connect
	case CmdDisconnect:
		return t.Disconnect
	case CmdReadChange:
		return t.Read
	case CmdGetChanges:
		return t.GetChanges
	case CmdCommitChange:
		return t.Commit
	case CmdCommittedAll:
		return t.CommittedAll
	case CmdSyncDone:
		return t.SyncDone
	}
	return 0
}

type timeoutsFile struct {
	Initialize   string `json:"initialize,omitempty"`
	Finalize     string `json:"finalize,omitempty"`
	Discover     string `json:"discover,omitempty"`
	Connect      string `json:"connect,omitempty"`
	Disconnect   string `json:"disconnect,omitempty"`
	Read         string `json:"read,omitempty"`
	GetChanges   string `json:"get_changes,omitempty"`
	Commit       string `json:"commit,omitempty"`
	CommittedAll string `json:"committed_all,omitempty"`
	SyncDone     string `json:"sync_done,omitempty"`
}

// ParseTimeouts reads YAML such as
//
//	connect: 30s
//	get_changes: 10m
//
// on top of DefaultTimeouts. Unknown keys are an error.
func ParseTimeouts(data []byte) (Timeouts, error) {
	var f timeoutsFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return Timeouts{}, fmt.Errorf("timeouts: %w", err)
	}
	t := DefaultTimeouts()
	for _, e := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"initialize", f.Initialize, &t.Initialize},
		{"finalize", f.Finalize, &t.Finalize},
		{"discover", f.Discover, &t.Discover},
		{"connect", f.Connect, &t.Connect},
		{"disconnect", f.Disconnect, &t.Disconnect},
		{"read", f.Read, &t.Read},
		{"get_changes", f.GetChanges, &t.GetChanges},
		{"commit", f.Commit, &t.Commit},
		{"committed_all", f.CommittedAll, &t.CommittedAll},
		{"sync_done", f.SyncDone, &t.SyncDone},
	} {
		if e.raw == "" {
			continue
		}
		d, err := time.ParseDuration(e.raw)
		if err != nil {
			return Timeouts{}, fmt.Errorf("timeouts: %s: %w", e.key, err)
		}
		if d <= 0 {
			return Timeouts{}, fmt.Errorf("timeouts: %s must be positive, got %s", e.key, d)
		}
		*e.dst = d
	}
	return t, nil
}

// LoadTimeouts reads a timeouts file, see ParseTimeouts.
func LoadTimeouts(path string) (Timeouts, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Timeouts{}, err
	}
	return ParseTimeouts(data)
}
