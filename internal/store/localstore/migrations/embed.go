// Package migrations embeds the schema migrations for the local
// document store. Applied by goose on every Open.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
