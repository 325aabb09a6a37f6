package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	maxBodyBytes  = 1 << 20
	schemaBaseURL = "https://streamchat.local/schemas/"
)

const createSessionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "title": {"type": "string", "maxLength": 200}
  },
  "additionalProperties": false
}`

const completionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "content": {"type": "string", "minLength": 1}
  },
  "required": ["content"],
  "additionalProperties": false
}`

type schemas struct {
	createSession *jsonschema.Schema
	completion    *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	createSession, err := compileSchema(schemaBaseURL+"create_session.json", createSessionSchema)
	if err != nil {
		return nil, err
	}
	completion, err := compileSchema(schemaBaseURL+"completion.json", completionSchema)
	if err != nil {
		return nil, err
	}
	return &schemas{createSession: createSession, completion: completion}, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
		return nil, fmt.Errorf("httpapi: add schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("httpapi: compile schema %s: %w", name, err)
	}
	return schema, nil
}

// decodeBody validates the request body against schema and unmarshals it into v.
// An empty body is treated as {}.
func decodeBody(r *http.Request, schema *jsonschema.Schema, v any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		raw = []byte("{}")
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
