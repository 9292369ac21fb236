package ipc

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// requestSchemas maps request types to their schema files. Types that
// carry no payload are absent.
var requestSchemas = map[MessageType]string{
	MsgHandshake: "handshake.schema.json",
	MsgMetrics:   "metrics.schema.json",
	MsgScan:      "scan.schema.json",
	MsgCancel:    "cancel.schema.json",
	MsgSubscribe: "subscribe.schema.json",
}

// Validator checks request payloads against the embedded JSON Schemas.
type Validator struct {
	schemas map[MessageType]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	urls := make(map[MessageType]string, len(requestSchemas))
	for msgType, name := range requestSchemas {
		data, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		url := "cardwedge://ipc/" + name
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
		urls[msgType] = url
	}

	v := &Validator{schemas: make(map[MessageType]*jsonschema.Schema, len(urls))}
	for msgType, url := range urls {
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", url, err)
		}
		v.schemas[msgType] = schema
	}
	return v, nil
}

// Validate checks payload for msgType. Types without a schema pass.
func (v *Validator) Validate(msgType MessageType, payload []byte) error {
	schema, ok := v.schemas[msgType]
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var instance any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("decode %s payload: %w", msgType, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid %s payload: %w", msgType, err)
	}
	return nil
}
