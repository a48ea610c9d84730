// Package migrations holds the goose migrations for the development copy of
// the TPS tables. Production TPS databases are owned by the planning system
// and are never migrated by tpsview.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
