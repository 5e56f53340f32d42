// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pluginrpc

import (
	"fmt"
	"slices"
	"time"
)

// SinkTimeouts override the verb defaults for one object type. Zero keeps the
// default.
type SinkTimeouts struct {
	Connect      time.Duration `json:"connect,omitempty"`
	Disconnect   time.Duration `json:"disconnect,omitempty"`
	Read         time.Duration `json:"read,omitempty"`
	GetChanges   time.Duration `json:"getChanges,omitempty"`
	Commit       time.Duration `json:"commit,omitempty"`
	CommittedAll time.Duration `json:"committedAll,omitempty"`
	SyncDone     time.Duration `json:"syncDone,omitempty"`
}

func (t SinkTimeouts) forCommand(cmd Command) time.Duration {
	switch cmd {
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

func (t *SinkTimeouts) fields() []*time.Duration {
	return []*time.Duration{&t.Connect, &t.Disconnect, &t.Read, &t.GetChanges, &t.Commit, &t.CommittedAll, &t.SyncDone}
}

// SinkDescriptor describes one object type a plugin can synchronize.
type SinkDescriptor struct {
	Name      string       `json:"name"`
	Formats   []string     `json:"formats"`
	Available bool         `json:"available"`
	Timeouts  SinkTimeouts `json:"timeouts,omitzero"`
}

// Supports reports whether format is one of the sink's formats.
func (d SinkDescriptor) Supports(format string) bool {
	return slices.Contains(d.Formats, format)
}

// VersionInfo identifies the plugin and the device behind it.
type VersionInfo struct {
	PluginID   string `json:"pluginID"`
	Priority   int32  `json:"priority"`
	Vendor     string `json:"vendor,omitempty"`
	Model      string `json:"model,omitempty"`
	Firmware   string `json:"firmware,omitempty"`
	Software   string `json:"software,omitempty"`
	Hardware   string `json:"hardware,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// MemberInfo is caller-held state that Discover fills in where it is unset.
type MemberInfo struct {
	Version      *VersionInfo
	Capabilities []byte
}

// merge copies version and capabilities from res into m, each only if m has
// none. A capabilities blob already present, whether reported by the device
// or configured, is never replaced.
func (m *MemberInfo) merge(res *DiscoverResult) {
	if m == nil {
		return
	}
	if m.Version == nil && res.Version != nil {
		v := *res.Version
		m.Version = &v
	}
	if m.Capabilities == nil && res.Capabilities != nil {
		m.Capabilities = slices.Clone(res.Capabilities)
	}
}

// DiscoverResult is the payload of a DISCOVER reply.
type DiscoverResult struct {
	HasMainSink  bool
	Sinks        []SinkDescriptor
	Version      *VersionInfo
	Capabilities []byte
}

// EncodeDiscoverReply lays res out as the fields of a DISCOVER reply.
func EncodeDiscoverReply(res DiscoverResult) []Value {
	fields := []Value{Bool(res.HasMainSink), Int32(int32(len(res.Sinks)))}
	for _, s := range res.Sinks {
		fields = append(fields, Text(s.Name), Bool(s.Available), Int32(int32(len(s.Formats))))
		for _, f := range s.Formats {
			fields = append(fields, Text(f))
		}
		for _, d := range s.Timeouts.fields() {
			fields = append(fields, Int32(int32(*d/time.Second)))
		}
	}
	fields = append(fields, Bool(res.Version != nil))
	if v := res.Version; v != nil {
		fields = append(fields,
			Text(v.PluginID), Int32(v.Priority), Text(v.Vendor), Text(v.Model),
			Text(v.Firmware), Text(v.Software), Text(v.Hardware), Text(v.Identifier))
	}
	fields = append(fields, Bool(res.Capabilities != nil))
	if res.Capabilities != nil {
		fields = append(fields, Bytes(res.Capabilities))
	}
	return fields
}

func decodeDiscoverReply(msg *Message) (*DiscoverResult, error) {
	r := msg.Fields()
	res := &DiscoverResult{HasMainSink: r.Bool()}
	n := r.Int32()
	if r.Err() == nil && (n < 0 || int(n) > len(msg.Values)) {
		return nil, &ProtocolError{Cmd: CmdDiscover, Reason: fmt.Sprintf("invalid sink count %d", n)}
	}
	for i := int32(0); i < n && r.Err() == nil; i++ {
		s := SinkDescriptor{Name: r.Text(), Available: r.Bool()}
		nf := r.Int32()
		if r.Err() == nil && (nf < 0 || int(nf) > len(msg.Values)) {
			return nil, &ProtocolError{Cmd: CmdDiscover, Reason: fmt.Sprintf("sink %q: invalid format count %d", s.Name, nf)}
		}
		for j := int32(0); j < nf; j++ {
			s.Formats = append(s.Formats, r.Text())
		}
		for _, d := range s.Timeouts.fields() {
			*d = time.Duration(r.Int32()) * time.Second
		}
		res.Sinks = append(res.Sinks, s)
	}
	if r.Bool() {
		res.Version = &VersionInfo{
			PluginID:   r.Text(),
			Priority:   r.Int32(),
			Vendor:     r.Text(),
			Model:      r.Text(),
			Firmware:   r.Text(),
			Software:   r.Text(),
			Hardware:   r.Text(),
			Identifier: r.Text(),
		}
	}
	if r.Bool() {
		res.Capabilities = r.Bytes()
		if res.Capabilities == nil {
			res.Capabilities = []byte{}
		}
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return res, nil
}
