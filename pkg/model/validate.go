package model

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// Server payloads are checked against these schemas at the boundary, before
// anything reaches the reconciler.

func keySchema() *jsonschema.Schema {
	return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{{Type: "string"}, {Type: "number"}}}
}

func portArraySchema() *jsonschema.Schema {
	port := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"portId"},
		Properties: map[string]*jsonschema.Schema{
			"portId":     {Type: "string"},
			"port_label": {Type: "string"},
			"unit":       {Type: "string"},
		},
	}
	return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{
		{Type: "array", Items: port},
		{Type: "null"},
	}}
}

func nodeSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"key"},
		Properties: map[string]*jsonschema.Schema{
			"key":        keySchema(),
			"name":       {Type: "string"},
			"category":   {Type: "string"},
			"loc":        {Type: "string"},
			"leftArray":  portArraySchema(),
			"rightArray": portArraySchema(),
			"group":      keySchema(),
		},
	}
}

func linkSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"key", "from", "to"},
		Properties: map[string]*jsonschema.Schema{
			"key":      keySchema(),
			"from":     keySchema(),
			"to":       keySchema(),
			"fromPort": {Type: "string"},
			"toPort":   {Type: "string"},
			"category": {Type: "string"},
		},
	}
}

func parseResponseSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"request": {
				Type:     "object",
				Required: []string{"text"},
				Properties: map[string]*jsonschema.Schema{
					"text": {Type: "string"},
				},
			},
			"gojs": {
				Type:     "object",
				Required: []string{"nodes", "links"},
				Properties: map[string]*jsonschema.Schema{
					"nodes": {Type: "array", Items: nodeSchema()},
					"links": {Type: "array", Items: linkSchema()},
				},
			},
			"language_warnings": {Type: "string"},
			"error":             {Type: "string"},
		},
	}
}

func persistRequestSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"graph"},
		Properties: map[string]*jsonschema.Schema{
			"graph": {
				Type:     "object",
				Required: []string{"nodeDataArray", "linkDataArray"},
				Properties: map[string]*jsonschema.Schema{
					"nodeDataArray": {Type: "array", Items: nodeSchema()},
					"linkDataArray": {Type: "array", Items: linkSchema()},
				},
			},
		},
	}
}

var (
	schemaOnce      sync.Once
	schemaErr       error
	parseResolved   *jsonschema.Resolved
	persistResolved *jsonschema.Resolved
)

func resolveSchemas() error {
	schemaOnce.Do(func() {
		parseResolved, schemaErr = parseResponseSchema().Resolve(nil)
		if schemaErr != nil {
			return
		}
		persistResolved, schemaErr = persistRequestSchema().Resolve(nil)
	})
	return schemaErr
}

func validate(name string, rs func() *jsonschema.Resolved, data []byte, out any) error {
	if err := resolveSchemas(); err != nil {
		return fmt.Errorf("schema setup failed: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return &ValidationError{Document: name, Err: err}
	}
	if err := rs().Validate(instance); err != nil {
		return &ValidationError{Document: name, Err: err}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &ValidationError{Document: name, Err: err}
	}
	return nil
}

// DecodeParseResponse validates and decodes a parse response body.
func DecodeParseResponse(data []byte) (*ParseResponse, error) {
	var resp ParseResponse
	if err := validate("parse response", func() *jsonschema.Resolved { return parseResolved }, data, &resp); err != nil {
		return nil, err
	}
	if resp.Error == "" && resp.Diagram == nil {
		return nil, &ValidationError{Document: "parse response", Err: fmt.Errorf("neither gojs nor error present")}
	}
	return &resp, nil
}

// DecodePersistRequest validates and decodes a persist request body.
func DecodePersistRequest(data []byte) (*PersistRequest, error) {
	var req PersistRequest
	if err := validate("persist request", func() *jsonschema.Resolved { return persistResolved }, data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
