// Package templates embeds the files written by `taskgate init`.
package templates

import "embed"

//go:embed taskgate.yaml judges.yaml
var FS embed.FS
