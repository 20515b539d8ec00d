package migrations

import "embed"

// FS holds the per-dialect migration folders (postgres, mysql, sqllite).
//
//go:embed postgres mysql sqllite
var FS embed.FS
