// Package migrations embeds the bridge's SQL schema into the binary.
//
// Import it for side effects; init registers the files with the database
// package so Migrate needs nothing on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/ebusd-bridge/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.RegisterMigrations(files)
}
