// Package migrations embeds the payments-service schema
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

const Dir = "."
