// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the YAML configuration of the realm manager.
//
// Configuration comes from a single file named by the REALM_CONFIG
// environment variable (via [Load]) or a --config flag (via
// [LoadFile]). There is no discovery and no fallback search.
//
// The file may carry development, staging and production sections that
// override base values when [Config].Environment matches. Production
// without an explicit section disables manifest watching.
//
// Path fields are expanded after loading: ${HOME}, ${REALM_ROOT} and
// ${VAR:-default} patterns are replaced.
//
// Key exports:
//
//   - [Config] -- manifests, control, metrics, events, resolver,
//     lifecycle, launcher, builtins and policy sections
//   - [Default] -- a Config with development defaults
//   - [Load] and [LoadFile] -- the two entry points
//
// This package depends on no other realm packages.
package config
