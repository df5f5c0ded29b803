// Package configs provides embedded configuration templates for indexkeeper.
//
// Templates are embedded at build time with //go:embed so they ship with
// every binary. `indexkeeper config init` writes ConfigTemplate to
// ~/.config/indexkeeper/config.yaml (or --config).
//
// Configuration hierarchy (see internal/config Load):
//  1. Hardcoded defaults (config.NewConfig)
//  2. User config file
//  3. Environment variables (INDEXKEEPER_*)
//
// Values in the template match the hardcoded defaults. Settings that depend
// on the machine are left commented out.
package configs

import _ "embed"

// ConfigTemplate is the commented user configuration template.
//
//go:embed config.example.yaml
var ConfigTemplate string
