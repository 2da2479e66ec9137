package job

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// envelopeSchema is the minimal contract a payload must meet before a strict
// client pushes it. Interop fields stay loose on purpose: retry and
// backtrace accept bool or number, and unknown fields pass through.
const envelopeSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["class", "args", "jid", "queue"],
  "properties": {
    "class": {"type": "string", "minLength": 1},
    "args": {"type": "array"},
    "jid": {"type": "string", "pattern": "^[0-9a-f]{24}$"},
    "queue": {"type": "string", "minLength": 1},
    "retry": {"type": ["boolean", "number"]},
    "retry_queue": {"type": "string"},
    "retry_count": {"type": "integer", "minimum": 0},
    "failed_at": {"type": "number"},
    "retried_at": {"type": "number"},
    "error_class": {"type": "string"},
    "error_message": {"type": "string"},
    "backtrace": {"type": ["boolean", "integer"]},
    "error_backtrace": {"type": "string"},
    "dead": {"type": "boolean"},
    "created_at": {"type": "number"},
    "enqueued_at": {"type": "number"},
    "at": {"type": "number"}
  }
}`

var payloadSchema = mustSchema(envelopeSchema)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("job: compile envelope schema: %v", err))
	}
	return s
}

// ValidatePayload checks a marshaled envelope against the wire contract.
func ValidatePayload(payload []byte) error {
	res, err := payloadSchema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return fmt.Errorf("job: validate payload: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("job: invalid payload: %s", strings.Join(msgs, "; "))
}
