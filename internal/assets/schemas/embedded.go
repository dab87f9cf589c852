// Package schemasassets embeds the JSON schemas used to validate API input,
// so validation works the same in installed binaries.
package schemasassets

import _ "embed"

// TaskRequestSchema validates POST /api/v1/tasks bodies.
//
//go:embed task-request.schema.json
var TaskRequestSchema []byte
