package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidObject   = errors.New("invalid object envelope")
	ErrVersionRewrite  = errors.New("version history is append-only")
	ErrTableMismatch   = errors.New("table is immutable")
	ErrProjectMismatch = errors.New("objects never move between projects")
)

// Version is an authoritative snapshot of an object as acknowledged by the
// server. Seq is the server's position in the object's history: it starts
// at 0 and grows by one per accepted write. A device may hold a sparse
// subset of the server history, but always in increasing Seq order.
type Version struct {
	Seq        int             `json:"seq"`
	Status     Status          `json:"live"`
	AuthorUUID string          `json:"author_uuid"`
	Modified   int64           `json:"modified"`
	Tag        string          `json:"tag,omitempty"`
	Payload    json.RawMessage `json:"data,omitempty"`
}

// Object is the envelope every domain record travels in. The payload is
// opaque here; only callers that know the table interpret it.
type Object struct {
	Table      Table           `json:"table"`
	UUID       string          `json:"uuid"`
	ProjetUUID string          `json:"projet_uuid"`
	Status     Status          `json:"live"`
	Created    int64           `json:"created"`
	AuthorUUID string          `json:"author_uuid"`
	Tag        string          `json:"tag,omitempty"`
	TagHash    string          `json:"tag_hash,omitempty"`
	CustomTag  bool            `json:"custom_tag,omitempty"`
	Modified   int64           `json:"modified,omitempty"`
	Payload    json.RawMessage `json:"data,omitempty"`
	Versions   []Version       `json:"versions,omitempty"`

	// Local bookkeeping, never sent over the wire.
	Pending   bool   `json:"-"`
	SyncError string `json:"-"`
}

// NewObject mints a fresh object. The uuid is generated here, once, and
// carried by every later version. A projet owns itself.
func NewObject(table Table, projetUUID, authorUUID string, payload json.RawMessage) (*Object, error) {
	if !table.Valid() {
		return nil, fmt.Errorf("%w: unknown table %q", ErrInvalidObject, table)
	}
	o := &Object{
		Table:      table,
		UUID:       uuid.NewString(),
		ProjetUUID: projetUUID,
		Status:     StatusLive,
		Created:    time.Now().UnixMilli(),
		AuthorUUID: authorUUID,
		Payload:    payload,
	}
	if table == TableProjet {
		o.ProjetUUID = o.UUID
	}
	if o.ProjetUUID == "" {
		return nil, fmt.Errorf("%w: projet_uuid required", ErrInvalidObject)
	}
	return o, nil
}

// Validate checks the common envelope only.
func (o *Object) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil", ErrInvalidObject)
	}
	if !o.Table.Valid() {
		return fmt.Errorf("%w: unknown table %q", ErrInvalidObject, o.Table)
	}
	if _, err := uuid.Parse(o.UUID); err != nil {
		return fmt.Errorf("%w: uuid %q", ErrInvalidObject, o.UUID)
	}
	if o.ProjetUUID == "" {
		return fmt.Errorf("%w: projet_uuid required", ErrInvalidObject)
	}
	if o.Status != StatusLive && o.Status != StatusArchived {
		return fmt.Errorf("%w: status %s", ErrInvalidObject, o.Status)
	}
	return nil
}

// Archive is the only way to delete: it produces a normal update with the
// archived status.
func (o *Object) Archive() {
	o.Status = StatusArchived
}

func (o *Object) Restore() {
	o.Status = StatusLive
}

func (o *Object) Identity() IndexEntry {
	return IndexEntry{UUID: o.UUID, Table: o.Table}
}

// Clone returns a deep copy so callers can edit without touching shared state.
func (o *Object) Clone() *Object {
	if o == nil {
		return nil
	}
	c := *o
	c.Payload = cloneRaw(o.Payload)
	if o.Versions != nil {
		c.Versions = make([]Version, len(o.Versions))
		for i, v := range o.Versions {
			v.Payload = cloneRaw(v.Payload)
			c.Versions[i] = v
		}
	}
	return &c
}

// SameContent reports whether o and other would produce the same version:
// same status, same tag and a JSON-equivalent payload.
func (o *Object) SameContent(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	if o.Status != other.Status || o.Tag != other.Tag || o.CustomTag != other.CustomTag {
		return false
	}
	return payloadEqual(o.Payload, other.Payload)
}

// SameData is SameContent without the tag, which the server may have
// assigned after the value was written.
func (o *Object) SameData(other *Object) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.Status == other.Status && payloadEqual(o.Payload, other.Payload)
}

// Latest returns the newest authoritative version, if any.
func (o *Object) Latest() (Version, bool) {
	if len(o.Versions) == 0 {
		return Version{}, false
	}
	return o.Versions[len(o.Versions)-1], true
}

// NextSeq is the sequence number a new snapshot of o would carry.
func (o *Object) NextSeq() int {
	if last, ok := o.Latest(); ok {
		return last.Seq + 1
	}
	return 0
}

// Snapshot captures the current value as the next version in line.
func (o *Object) Snapshot() Version {
	return Version{
		Seq:        o.NextSeq(),
		Status:     o.Status,
		AuthorUUID: o.AuthorUUID,
		Modified:   o.Modified,
		Tag:        o.Tag,
		Payload:    cloneRaw(o.Payload),
	}
}

// AppendVersion adds v at the end of the history. Seq must be past the
// latest known version; anything else would rewrite history.
func (o *Object) AppendVersion(v Version) error {
	if last, ok := o.Latest(); ok && v.Seq <= last.Seq {
		return fmt.Errorf("%w: got seq %d, latest is %d", ErrVersionRewrite, v.Seq, last.Seq)
	}
	if v.Seq < 0 {
		return fmt.Errorf("%w: negative seq %d", ErrVersionRewrite, v.Seq)
	}
	o.Versions = append(o.Versions, v)
	return nil
}

// Absorb appends the versions of vs that are newer than the local history,
// in Seq order, and returns how many were added. Older or duplicate
// entries are ignored.
func (o *Object) Absorb(vs []Version) int {
	sorted := make([]Version, len(vs))
	copy(sorted, vs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	added := 0
	for _, v := range sorted {
		v.Payload = cloneRaw(v.Payload)
		if o.AppendVersion(v) == nil {
			added++
		}
	}
	return added
}

// CheckSuccessor verifies that next may replace o as the current value of
// the same object. History is owned by whoever stores the object and is
// not compared.
func (o *Object) CheckSuccessor(next *Object) error {
	if o.UUID != next.UUID {
		return fmt.Errorf("%w: uuid %s != %s", ErrInvalidObject, next.UUID, o.UUID)
	}
	if o.Table != next.Table {
		return ErrTableMismatch
	}
	if o.ProjetUUID != next.ProjetUUID {
		return ErrProjectMismatch
	}
	return nil
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	out := make(json.RawMessage, len(r))
	copy(out, r)
	return out
}

func payloadEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var ca, cb bytes.Buffer
	if json.Compact(&ca, a) != nil || json.Compact(&cb, b) != nil {
		return bytes.Equal(a, b)
	}
	if bytes.Equal(ca.Bytes(), cb.Bytes()) {
		return true
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return bytes.Equal(ja, jb)
}
