// Package fixtures ships the frozen, hand-authored parts of each contract
// version: source documents, query fixtures, output schemas and the suite
// manifest. Pre-built caches and expected outputs are produced by the
// engine's release tooling and live next to these files in a full fixture
// tree; they are not embedded.
package fixtures

import "embed"

// FS holds every shipped contract version, rooted at the version directory
// (e.g. "v0/schemas/selection_result.schema.json").
//
//go:embed v0
var FS embed.FS
