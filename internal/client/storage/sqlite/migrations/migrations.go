// Package migrations embeds the goose migrations of the relational engine.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
