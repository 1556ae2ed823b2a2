// Package configs provides the embedded configuration template for
// evidentia. The template is embedded at build time so `evidentia
// config init` works in every distribution, source builds included.
//
// Configuration precedence (see internal/config.Load):
//  1. Hardcoded defaults
//  2. Config file (--config)
//  3. Environment variables (EVIDENTIA_*)
package configs

import _ "embed"

// ConfigTemplate is the annotated starting-point config written by
// `evidentia config init`.
//
//go:embed config.example.yaml
var ConfigTemplate string
