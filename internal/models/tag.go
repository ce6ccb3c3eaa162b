package models

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// TagPolicy assigns the human-facing label of an object. seq is the
// 1-based rank of the object among its table within the project.
type TagPolicy interface {
	Assign(o *Object, seq int)
}

// SequenceTagPolicy numbers objects per table ("F-12", "US-3"). A custom
// tag chosen by the user is kept and only hashed.
type SequenceTagPolicy struct{}

func (SequenceTagPolicy) Assign(o *Object, seq int) {
	if !(o.CustomTag && o.Tag != "") {
		o.Tag = fmt.Sprintf("%s-%d", o.Table.TagPrefix(), seq)
	}
	o.TagHash = HashTag(o.ProjetUUID, o.Table, o.Tag)
}

// HashTag derives a stable, project-scoped key for cross-referencing tags
// regardless of case and surrounding spaces.
func HashTag(projetUUID string, table Table, tag string) string {
	norm := strings.ToLower(strings.TrimSpace(tag))
	sum := blake2b.Sum256([]byte(projetUUID + "/" + string(table) + "/" + norm))
	return hex.EncodeToString(sum[:16])
}
