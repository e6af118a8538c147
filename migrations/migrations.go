// Package migrations embeds the schema migrations applied by
// "fhirstore migrate up".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
