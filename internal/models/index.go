package models

// IndexEntry is the identity of one object in a project manifest.
type IndexEntry struct {
	UUID  string `json:"uuid"`
	Table Table  `json:"table"`
}

// ProjectIndex is the compact manifest a device keeps per project.
// LastUpdated is the high-water mark in unix milliseconds; nil means the
// project was never synchronized (or was cleared).
type ProjectIndex struct {
	ProjetUUID    string       `json:"projet_uuid"`
	Index         []IndexEntry `json:"index"`
	AmountObjects int          `json:"amount_objects"`
	LastUpdated   *int64       `json:"last_updated"`
	Full          bool         `json:"full,omitempty"`
}

// NewProjectIndex builds a manifest, dropping ignored tables and duplicate
// uuids (first occurrence wins) and deriving AmountObjects.
func NewProjectIndex(projetUUID string, entries []IndexEntry, ignore []Table, lastUpdated *int64) ProjectIndex {
	skip := make(map[Table]bool, len(ignore))
	for _, t := range ignore {
		skip[t] = true
	}
	seen := make(map[string]bool, len(entries))
	out := make([]IndexEntry, 0, len(entries))
	for _, e := range entries {
		if skip[e.Table] || seen[e.UUID] {
			continue
		}
		seen[e.UUID] = true
		out = append(out, e)
	}
	return ProjectIndex{
		ProjetUUID:    projetUUID,
		Index:         out,
		AmountObjects: len(out),
		LastUpdated:   lastUpdated,
	}
}

// Merge folds an incremental delta into base. A full delta replaces base.
// The high-water mark never moves backwards.
func Merge(base, delta ProjectIndex) ProjectIndex {
	last := maxMark(base.LastUpdated, delta.LastUpdated)
	if delta.Full {
		idx := NewProjectIndex(base.ProjetUUID, delta.Index, nil, last)
		if idx.ProjetUUID == "" {
			idx.ProjetUUID = delta.ProjetUUID
		}
		return idx
	}
	entries := make([]IndexEntry, 0, len(base.Index)+len(delta.Index))
	entries = append(entries, base.Index...)
	entries = append(entries, delta.Index...)
	projet := base.ProjetUUID
	if projet == "" {
		projet = delta.ProjetUUID
	}
	return NewProjectIndex(projet, entries, nil, last)
}

func maxMark(a, b *int64) *int64 {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		v := *b
		return &v
	case b == nil:
		v := *a
		return &v
	case *a >= *b:
		v := *a
		return &v
	default:
		v := *b
		return &v
	}
}

// IndexState is where a project stands in its synchronization cycle.
// Every state can be re-entered; none is terminal.
type IndexState int

const (
	IndexUnindexed IndexState = iota
	IndexIndexing
	IndexPartial
	IndexSynced
)

func (s IndexState) String() string {
	switch s {
	case IndexUnindexed:
		return "UNINDEXED"
	case IndexIndexing:
		return "INDEXING"
	case IndexPartial:
		return "PARTIAL"
	case IndexSynced:
		return "SYNCED"
	default:
		return "UNKNOWN"
	}
}
