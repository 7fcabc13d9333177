package resources

import "embed"

//go:embed filters.yml migrations
var FS embed.FS
