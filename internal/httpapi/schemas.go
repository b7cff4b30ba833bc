package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	schemaCreateLead         = "create-lead.json"
	schemaClaimLead          = "claim-lead.json"
	schemaCreateNotification = "create-notification.json"
)

var requestSchemaSources = map[string]string{
	schemaCreateLead: `{
		"type": "object",
		"required": ["contactName"],
		"additionalProperties": false,
		"properties": {
			"contactName": {"type": "string", "minLength": 1, "maxLength": 200},
			"email": {"type": "string", "maxLength": 320},
			"phone": {"type": "string", "maxLength": 64},
			"company": {"type": "string", "maxLength": 200},
			"source": {"type": "string", "maxLength": 100},
			"message": {"type": "string", "maxLength": 10000}
		}
	}`,
	schemaClaimLead: `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"extra": {"type": "object"},
			"businessDate": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}
		}
	}`,
	schemaCreateNotification: `{
		"type": "object",
		"required": ["actorIds", "type", "title"],
		"additionalProperties": false,
		"properties": {
			"actorIds": {
				"type": "array",
				"minItems": 1,
				"maxItems": 1000,
				"items": {"type": "string", "minLength": 1}
			},
			"type": {"type": "string", "minLength": 1, "maxLength": 64},
			"title": {"type": "string", "minLength": 1, "maxLength": 200},
			"message": {"type": "string", "maxLength": 5000},
			"relatedEntityType": {"type": "string"},
			"relatedEntityId": {"type": "string"},
			"metadata": {"type": "object"}
		}
	}`,
}

type requestSchemas struct {
	compiled map[string]*jsonschema.Schema
}

func compileRequestSchemas() (*requestSchemas, error) {
	c := jsonschema.NewCompiler()
	for name, source := range requestSchemaSources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}
	out := &requestSchemas{compiled: make(map[string]*jsonschema.Schema, len(requestSchemaSources))}
	for name := range requestSchemaSources {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out.compiled[name] = sch
	}
	return out, nil
}

// validate checks a raw JSON body against the named schema. The returned
// message is safe to hand back to the caller.
func (s *requestSchemas) validate(name string, body []byte) (string, bool) {
	sch, ok := s.compiled[name]
	if !ok {
		return "unknown request schema", false
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return "invalid json body", false
	}
	if err := sch.Validate(inst); err != nil {
		return "request body does not match schema: " + firstLine(err.Error()), false
	}
	return "", true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
