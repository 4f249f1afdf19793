// Package migrations holds the Postgres schema applied by "rib-engine migrate".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
