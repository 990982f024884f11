package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/foundryrelease/kernel/pkg/kernelerr"
)

// submitPackageSchemaJSON and createManifestSchemaJSON describe the two
// mutating request bodies most prone to malformed client input before
// they reach the Manifest Engine, replacing ad hoc field-by-field nil
// checks with a single schema violation report.
const submitPackageSchemaJSON = `{
	"type": "object",
	"required": ["name", "version", "artifactRef", "sha256", "submitter"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"version": {"type": "string", "minLength": 1},
		"artifactRef": {"type": "string", "minLength": 1},
		"sha256": {"type": "string", "minLength": 1},
		"submitter": {"type": "string", "minLength": 1},
		"idempotencyKey": {"type": "string"},
		"metadata": {"type": "object"}
	}
}`

const createManifestSchemaJSON = `{
	"type": "object",
	"required": ["packageId", "target", "impact", "rationale"],
	"properties": {
		"packageId": {"type": "string", "minLength": 1},
		"target": {"type": "object"},
		"impact": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
		"rationale": {"type": "string", "minLength": 1},
		"preconditions": {"type": "array", "items": {"type": "string"}},
		"applyStrategy": {"type": "object"}
	}
}`

var (
	submitPackageSchema  = mustCompileSchema("submit-package.json", submitPackageSchemaJSON)
	createManifestSchema = mustCompileSchema("create-manifest.json", createManifestSchemaJSON)
)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	url := fmt.Sprintf("https://kernel.schemas.local/api/%s", name)
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic("api: invalid embedded schema " + name + ": " + err.Error())
	}
	s, err := c.Compile(url)
	if err != nil {
		panic("api: schema compile failed for " + name + ": " + err.Error())
	}
	return s
}

// decodeValidated reads r's body once, validates it against schema, and
// on success unmarshals it into v. A schema violation is rendered as a
// validation error naming the first failing field rather than the
// decoder's generic "malformed_body".
func decodeValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, v any) bool {
	if r.Body == nil {
		kernelerr.WriteError(w, kernelerr.Validation("missing_body", "request body is required"))
		return false
	}
	defer r.Body.Close()

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		kernelerr.WriteError(w, kernelerr.Validation("malformed_body", "request body could not be read"))
		return false
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		kernelerr.WriteError(w, kernelerr.Validation("malformed_body", "request body must be valid JSON"))
		return false
	}

	if err := schema.Validate(doc); err != nil {
		kernelerr.WriteError(w, kernelerr.Validation("schema_violation", err.Error()))
		return false
	}

	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		kernelerr.WriteError(w, kernelerr.Validation("malformed_body", "request body must be valid JSON"))
		return false
	}
	return true
}
