package session

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBase = "https://schemas.harborline.dev/frontdesk/"

const guestSessionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["guest", "reservation", "room"],
	"properties": {
		"guest": {"type": "object"},
		"reservation": {
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"status": {"type": "string"}
			}
		},
		"room": {
			"type": "object",
			"required": ["number"],
			"properties": {
				"number": {"type": "string", "minLength": 1},
				"floor": {"type": "integer"}
			}
		},
		"token": {"type": "string"},
		"activatedAt": {"type": "string"}
	}
}`

const staffSessionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["user"],
	"properties": {
		"user": {
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"position": {"type": "string"}
			}
		},
		"token": {"type": "string"},
		"activatedAt": {"type": "string"}
	}
}`

var compiled struct {
	once    sync.Once
	err     error
	schemas map[string]*jsonschema.Schema
}

func recordSchemas() (map[string]*jsonschema.Schema, error) {
	compiled.once.Do(func() {
		sources := map[string]string{
			GuestKey: guestSessionSchema,
			StaffKey: staffSessionSchema,
		}
		c := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(sources))
		for key, src := range sources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
			if err != nil {
				compiled.err = fmt.Errorf("parse %s schema: %w", key, err)
				return
			}
			loc := schemaBase + key + ".json"
			if err := c.AddResource(loc, doc); err != nil {
				compiled.err = fmt.Errorf("add %s schema: %w", key, err)
				return
			}
			sch, err := c.Compile(loc)
			if err != nil {
				compiled.err = fmt.Errorf("compile %s schema: %w", key, err)
				return
			}
			out[key] = sch
		}
		compiled.schemas = out
	})
	return compiled.schemas, compiled.err
}

func validateRecord(key string, data []byte) error {
	schemas, err := recordSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[key]
	if !ok {
		return fmt.Errorf("no schema for %q", key)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
