// Package migrations holds the ClickHouse schema applied by cmd/migrate.
package migrations

import "embed"

// FS contains the goose migration files.
//
//go:embed *.sql
var FS embed.FS
