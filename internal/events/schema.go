package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// payloadSchemas are JSON schemas for the payload of each known event type.
var payloadSchemas = map[string]string{
	TypeTaskStatus: `{
		"type": "object",
		"required": ["taskId", "status"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"status": {"type": "string", "minLength": 1},
			"updatedAt": {"type": "string", "format": "date-time"}
		}
	}`,
	TypeTaskLog: `{
		"type": "object",
		"required": ["taskId", "logLine"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"logLine": {"type": "string"},
			"timestamp": {"type": "string", "format": "date-time"},
			"level": {"type": "string", "enum": ["debug", "info", "warn", "error"]}
		}
	}`,
	TypeThreadMessage: `{
		"type": "object",
		"required": ["taskId", "messageId", "role", "content"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"messageId": {"type": "string", "minLength": 1},
			"role": {"type": "string", "minLength": 1},
			"content": {"type": "string"},
			"timestamp": {"type": "string", "format": "date-time"}
		}
	}`,
	TypeTaskProgress: `{
		"type": "object",
		"required": ["taskId", "progress"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"progress": {"type": "number", "minimum": 0},
			"stage": {"type": "string"},
			"estimatedTimeRemaining": {"type": ["number", "null"], "minimum": 0}
		}
	}`,
	TypeConnectionStatus: `{
		"type": "object",
		"required": ["status"],
		"properties": {
			"status": {"type": "string", "enum": ["connected", "disconnected", "reconnecting", "error"]},
			"message": {"type": "string"}
		}
	}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*gojsonschema.Schema
	compileErr  error
)

func compileSchemas() {
	compiled = make(map[string]*gojsonschema.Schema, len(payloadSchemas))
	for eventType, raw := range payloadSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			compileErr = fmt.Errorf("compile %s schema: %w", eventType, err)
			return
		}
		compiled[eventType] = schema
	}
}

// validatePayload returns schema violations for payload. A non-nil error means
// the payload could not be validated at all.
func validatePayload(eventType string, payload json.RawMessage) ([]string, error) {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return nil, compileErr
	}
	schema, ok := compiled[eventType]
	if !ok {
		return nil, fmt.Errorf("no schema for %s", eventType)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, err
	}
	if result.Valid() {
		return nil, nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		details = append(details, e.String())
	}
	return details, nil
}
