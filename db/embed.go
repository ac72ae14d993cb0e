// Package db embeds the keychain schema and the default seed catalog.
package db

import _ "embed"

// Schema creates every table idempotently; it is applied on startup.
//
//go:embed migrations/001_schema.sql
var Schema string

// SeedProducts is the default catalog loaded by seed-db.
//
//go:embed seed/products.json
var SeedProducts []byte
