package handlers

import "github.com/xeipuuv/gojsonschema"

var TranscodeRequestSchemaDefinition = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["file_id", "qualities"],
	"properties": {
		"file_id": {
			"type": "integer",
			"minimum": 1
		},
		"qualities": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "integer"
			}
		}
	}
}`

var PresignUploadRequestSchemaDefinition = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["filename"],
	"properties": {
		"filename": {
			"type": "string",
			"minLength": 1
		},
		"content_type": {
			"type": "string"
		},
		"description": {
			"type": "string"
		},
		"user_id": {
			"type": "integer",
			"minimum": 1
		}
	}
}`

var CompleteUploadRequestSchemaDefinition = `{
	"type": "object",
	"additionalProperties": false,
	"required": ["object_key", "filename"],
	"properties": {
		"object_key": {
			"type": "string",
			"minLength": 1
		},
		"filename": {
			"type": "string",
			"minLength": 1
		},
		"content_type": {
			"type": "string"
		},
		"description": {
			"type": "string"
		},
		"user_id": {
			"type": "integer",
			"minimum": 1
		},
		"file_hash": {
			"type": "string"
		}
	}
}`

var inputSchemas map[string]string = map[string]string{
	"Transcode":      TranscodeRequestSchemaDefinition,
	"PresignUpload":  PresignUploadRequestSchemaDefinition,
	"CompleteUpload": CompleteUploadRequestSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, 0)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// rase panic on program start
			panic(err) // fix schema text
		}
		compiled[name] = schema
	}
	return compiled
}

// Run compile step on program start:
var inputSchemasCompiled map[string]*gojsonschema.Schema = compileJsonSchemas()
