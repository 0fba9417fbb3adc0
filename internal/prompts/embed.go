// Package prompts provides the task prompt templates with override support.
package prompts

import "embed"

//go:embed tasks/*.md blocks/*.md
var embeddedFS embed.FS
