// Package schema embeds the JSON Schema describing the analyzer's JSON output.
package schema

import "embed"

// ResultSchemaFS holds result-schema.json.
//
//go:embed result-schema.json
var ResultSchemaFS embed.FS

// ResultSchemaFile is the embedded schema file name.
const ResultSchemaFile = "result-schema.json"
