// Package db embeds the POS schema migrations.
package db

import "embed"

// Migrations holds the DDL files applied at startup in lexical order.
// Every file must be safe to apply more than once.
//
//go:embed migrations/*.sql
var Migrations embed.FS
