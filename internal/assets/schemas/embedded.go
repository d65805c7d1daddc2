// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so the CLI validates manifests
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// FleetManifestSchema is the embedded fleet-manifest JSON schema.
//
//go:embed fleet-manifest.schema.json
var FleetManifestSchema []byte
