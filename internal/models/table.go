// Package models defines the syncable object envelope shared by the field
// client and the server: the table discriminator, the live/archived status,
// version snapshots and the per-project index manifest.
package models

import (
	"fmt"
)

// Table identifies the concrete schema of an object's payload.
type Table string

const (
	TableProjet       Table = "projet"
	TableSecteur      Table = "secteur"
	TableFait         Table = "fait"
	TableUS           Table = "us"
	TablePrelevement  Table = "prelevement"
	TableDocument     Table = "document"
	TableTopo         Table = "topo"
	TableUser         Table = "user"
	TableProjetConfig Table = "projet_config"
)

var allTables = []Table{
	TableProjet,
	TableSecteur,
	TableFait,
	TableUS,
	TablePrelevement,
	TableDocument,
	TableTopo,
	TableUser,
	TableProjetConfig,
}

// Tables returns every known table in declaration order.
func Tables() []Table {
	out := make([]Table, len(allTables))
	copy(out, allTables)
	return out
}

// Valid reports whether t is a known table.
func (t Table) Valid() bool {
	for _, known := range allTables {
		if t == known {
			return true
		}
	}
	return false
}

// Administrative reports whether t holds bookkeeping rows that devices
// usually leave out of their project index.
func (t Table) Administrative() bool {
	return t == TableUser || t == TableProjetConfig
}

// TagPrefix is the short label used when numbering objects of this table.
func (t Table) TagPrefix() string {
	switch t {
	case TableSecteur:
		return "SECT"
	case TableFait:
		return "F"
	case TableUS:
		return "US"
	case TablePrelevement:
		return "PR"
	case TableDocument:
		return "DOC"
	case TableTopo:
		return "TOPO"
	case TableProjet:
		return "P"
	default:
		return "X"
	}
}

func ParseTable(s string) (Table, error) {
	t := Table(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown table %q", s)
	}
	return t, nil
}
