// Package migrations embeds the additive SQL migrations applied to the
// clawdorio store at startup.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
