package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/digsync/internal/dbx"
	"github.com/dmitrijs2005/digsync/internal/server/repositories/objects"
	"github.com/dmitrijs2005/digsync/internal/server/repositories/projets"
)

// RepositoryManager vends repositories bound to a DBTX so services can use
// the same repository over the pool or inside a transaction.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	Objects(db dbx.DBTX) objects.Repository
	Projets(db dbx.DBTX) projets.Repository
}
