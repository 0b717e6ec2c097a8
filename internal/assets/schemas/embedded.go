// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// ChangeManifestSchema is the embedded change-manifest JSON schema.
//
//go:embed change-manifest.schema.json
var ChangeManifestSchema []byte
