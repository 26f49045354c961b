package synclog

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ValentinKolb/dSync/lib/resource"
)

// Action of a log entry
type Action string

const (
	ActionSet    Action = "set"
	ActionRemove Action = "remove"
)

// LogType distinguishes snapshots from deltas
type LogType string

const (
	// LogFull is a snapshot, every kind present in it is cleared before the entries are applied
	LogFull LogType = "full"
	// LogIncremental only patches the local state
	LogIncremental LogType = "incremental"
)

// Entry is one change of a sync log
type Entry struct {
	Kind       resource.Kind   `json:"kind"`
	Action     Action          `json:"action"`
	ResourceID string          `json:"resource_id"`
	Resource   json.RawMessage `json:"resource,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

func (e Entry) String() string {
	return fmt.Sprintf("%s %s/%s@%d", e.Action, e.Kind, e.ResourceID, e.Timestamp)
}

// Log is a sync log as sent by the server
type Log struct {
	Type LogType `json:"type"`
	Log  []Entry `json:"log"`
}

// ParseLog decodes a sync log and checks its type
func ParseLog(data []byte) (*Log, error) {
	var l Log
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("synclog: decoding log: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks the log type. Entries are validated one by one while the log is applied.
func (l *Log) Validate() error {
	switch l.Type {
	case LogFull, LogIncremental:
		return nil
	default:
		return fmt.Errorf("synclog: unknown log type %q", l.Type)
	}
}

// Kinds returns the distinct kinds present in the log
func (l *Log) Kinds() []resource.Kind {
	seen := make(map[resource.Kind]struct{})
	var kinds []resource.Kind
	for _, e := range l.Log {
		if _, ok := seen[e.Kind]; ok {
			continue
		}
		seen[e.Kind] = struct{}{}
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// sorted returns the entries stable sorted by timestamp.
// Entries with equal timestamps keep their position in the log.
func (l *Log) sorted() []Entry {
	entries := append([]Entry(nil), l.Log...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	return entries
}
