package mirror

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// remoteDocumentSchema sanity-checks a remote job collection before any of
// it is merged into local state. It is deliberately loose about fields this
// service does not manage.
const remoteDocumentSchema = `{
  "type": "object",
  "required": ["jobs"],
  "properties": {
    "jobs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "enabled": {"type": "boolean"},
          "schedule": {
            "type": "object",
            "properties": {
              "kind": {"type": "string"},
              "expr": {"type": "string"},
              "tz": {"type": "string"}
            }
          },
          "payload": {
            "type": "object",
            "properties": {
              "message": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

func compileDocumentSchema() (*jsonschema.Schema, error) {
	// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(remoteDocumentSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("crons.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("crons.json")
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}
	return schema, nil
}
