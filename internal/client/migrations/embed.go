// Package migrations embeds the client journal's SQLite schema. Every file
// holds a single statement.
package migrations

import (
	"embed"

	"github.com/dmitrijs2005/gophsync/internal/migrator"
)

//go:embed *.sql
var Migrations embed.FS

func Set() (migrator.Set, error) {
	return migrator.Load(Migrations)
}
