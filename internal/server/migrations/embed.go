// Package migrations embeds the server's PostgreSQL schema.
package migrations

import (
	"embed"

	"github.com/dmitrijs2005/gophsync/internal/migrator"
)

//go:embed *.sql
var Migrations embed.FS

// Set loads the embedded migrations and snapshot.
func Set() (migrator.Set, error) {
	return migrator.Load(Migrations)
}
