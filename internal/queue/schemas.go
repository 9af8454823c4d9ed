package queue

import "fmt"

// EventTypeRunEnqueued signals that a run is ready for a worker to execute.
const EventTypeRunEnqueued = "run.enqueued"

// PayloadVersionV1 is the current payload version for all base events.
const PayloadVersionV1 = "v1"

// RunEnqueued is the run.enqueued payload. Resume is a fresh enqueue of the
// same run id, so the payload carries nothing else; the store holds the rest.
type RunEnqueued struct {
	RunID string `json:"run_id"`
}

var baseDefinitions = []struct {
	eventType string
	version   string
	schema    []byte
}{
	{
		eventType: EventTypeRunEnqueued,
		version:   PayloadVersionV1,
		schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["run_id"],
  "properties": {
    "run_id": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`),
	},
}

// RegisterBaseSchemas loads the built-in event schemas into a registry.
func RegisterBaseSchemas(r *SchemaRegistry) error {
	for _, def := range baseDefinitions {
		if err := r.Register(def.eventType, def.version, def.schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.eventType, def.version, err)
		}
	}
	return nil
}
