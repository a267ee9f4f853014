package migrations

import "embed"

// FS holds the ordered SQL schema files.
//
//go:embed *.sql
var FS embed.FS
