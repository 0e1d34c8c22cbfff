// Package migrations embeds the orders-service schema
package migrations

import "embed"

// FS holds the goose SQL migrations
//
//go:embed *.sql
var FS embed.FS

// Dir is the migrations directory inside FS
const Dir = "."
