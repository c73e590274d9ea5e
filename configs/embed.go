// Package configs provides the embedded configuration template for notedex.
//
// The template is embedded at build time with go:embed so it ships in every
// distribution, source builds included. 'notedex init' writes it to
// .notedex.yaml in the vault root.
package configs

import _ "embed"

// VaultConfigTemplate is the annotated starter configuration.
// Created by: `notedex init` at .notedex.yaml in the vault root.
//
//go:embed vault-config.example.yaml
var VaultConfigTemplate string
