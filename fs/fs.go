// Package appfs embeds the files shipped with the binaries.
package appfs

import "embed"

// FS holds the SQL migrations, one directory per dialect: migrations/sqlite and migrations/postgres.
//
//go:embed migrations
var FS embed.FS
