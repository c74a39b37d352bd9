// Package migrations embeds the SQL migration files so the migrate command
// runs without the source tree present.
package migrations

import "embed"

//go:embed *.up.sql *.down.sql
var FS embed.FS
