// Package dbmigrations exposes embedded SQL migrations for tracker binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into tracker binaries.
//
//go:embed *.sql
var Files embed.FS
