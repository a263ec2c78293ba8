// Package migrations embeds the tenant schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
