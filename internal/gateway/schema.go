package gateway

import (
	"fmt"
	"strings"

	"github.com/docreview/docreview/internal/docerr"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaSet holds the compiled JSON Schemas validating the HTTP boundary's
// request bodies: compile once at startup, validate per request.
type schemaSet struct {
	feedback     *jsonschema.Schema
	satisfaction *jsonschema.Schema
	comment      *jsonschema.Schema
	uploadMeta   *jsonschema.Schema
}

const feedbackSchemaJSON = `{
	"type": "object",
	"properties": {
		"feedback_type": {"enum": ["accept", "reject", ""]},
		"comment": {"type": "string", "maxLength": 4000}
	},
	"required": ["feedback_type"],
	"additionalProperties": false
}`

const satisfactionSchemaJSON = `{
	"type": "object",
	"properties": {
		"satisfaction_rating": {"type": "integer", "minimum": 1, "maximum": 5}
	},
	"required": ["satisfaction_rating"],
	"additionalProperties": false
}`

const commentSchemaJSON = `{
	"type": "object",
	"properties": {
		"comment": {"type": "string", "maxLength": 4000}
	},
	"required": ["comment"],
	"additionalProperties": false
}`

const uploadMetaSchemaJSON = `{
	"type": "object",
	"properties": {
		"title": {"type": "string", "maxLength": 255},
		"model_index": {"type": "integer", "minimum": 0}
	},
	"additionalProperties": false
}`

func mustCompileSchemas() *schemaSet {
	return &schemaSet{
		feedback:     mustCompile("feedback.json", feedbackSchemaJSON),
		satisfaction: mustCompile("satisfaction.json", satisfactionSchemaJSON),
		comment:      mustCompile("comment.json", commentSchemaJSON),
		uploadMeta:   mustCompile("upload_meta.json", uploadMetaSchemaJSON),
	}
}

func mustCompile(resourceName, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("gateway: unmarshal %s: %v", resourceName, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		panic(fmt.Sprintf("gateway: add resource %s: %v", resourceName, err))
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		panic(fmt.Sprintf("gateway: compile %s: %v", resourceName, err))
	}
	return schema
}

// validateAgainst runs schema.Validate and, on failure, wraps the result as
// a docerr.KindValidation error suitable to hand straight to writeError.
func validateAgainst(schema *jsonschema.Schema, parsed any) error {
	if err := schema.Validate(parsed); err != nil {
		return docerr.Wrap(docerr.KindValidation, docerr.CodeInvalidInput, err)
	}
	return nil
}
