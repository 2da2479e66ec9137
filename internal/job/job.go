// Package job defines the JSON envelope that travels through Redis, the
// worker registry, and the helpers shared by every stage of the pipeline.
package job

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// DefaultQueue receives jobs that name no queue of their own.
	DefaultQueue = "default"

	// MaxErrorMessageBytes caps the stored error_message so one huge
	// exception cannot bloat the retry and dead sets.
	MaxErrorMessageBytes = 10000
)

// Job is the unit of work. Field names and types follow the wire format
// shared with other runtimes, so a payload enqueued elsewhere executes here
// unchanged and vice versa.
//
// Timestamps are float64 seconds since the Unix epoch. Optional fields are
// pointers or zero values so that absent and present-but-zero stay distinct
// where the format requires it (retry_count in particular).
type Job struct {
	Class string `json:"class"`
	Args  []any  `json:"args"`
	JID   string `json:"jid"`
	Queue string `json:"queue"`

	// Retry is true, false, or a number overriding the max attempt count.
	Retry      any    `json:"retry,omitempty"`
	RetryQueue string `json:"retry_queue,omitempty"`

	RetryCount *int    `json:"retry_count,omitempty"`
	FailedAt   float64 `json:"failed_at,omitempty"`
	RetriedAt  float64 `json:"retried_at,omitempty"`

	ErrorClass   string `json:"error_class,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Backtrace is true, false, or a number capping the recorded frames.
	Backtrace      any    `json:"backtrace,omitempty"`
	ErrorBacktrace string `json:"error_backtrace,omitempty"`

	Dead *bool `json:"dead,omitempty"`

	CreatedAt  float64 `json:"created_at,omitempty"`
	EnqueuedAt float64 `json:"enqueued_at,omitempty"`

	// At schedules the first run; the client moves such jobs to the
	// scheduled set instead of a queue.
	At float64 `json:"at,omitempty"`

	// Extra preserves fields this engine does not interpret, so payloads
	// survive a round trip through it byte-for-byte in meaning.
	Extra map[string]json.RawMessage `json:"-"`
}

var knownKeys = map[string]struct{}{
	"class": {}, "args": {}, "jid": {}, "queue": {},
	"retry": {}, "retry_queue": {}, "retry_count": {},
	"failed_at": {}, "retried_at": {},
	"error_class": {}, "error_message": {},
	"backtrace": {}, "error_backtrace": {},
	"dead": {}, "created_at": {}, "enqueued_at": {}, "at": {},
}

// Parse decodes a payload fetched from Redis.
func Parse(payload []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// UnmarshalJSON decodes the envelope while stashing unknown fields in Extra.
// Anything other than a JSON object is rejected outright.
func (j *Job) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("job: payload is not a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("job: %w", err)
	}

	take := func(key string, dst any) error {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("job: field %q: %w", key, err)
		}
		return nil
	}

	*j = Job{}
	if err := take("class", &j.Class); err != nil {
		return err
	}
	if err := take("args", &j.Args); err != nil {
		return err
	}
	if err := take("jid", &j.JID); err != nil {
		return err
	}
	if err := take("queue", &j.Queue); err != nil {
		return err
	}
	if err := take("retry", &j.Retry); err != nil {
		return err
	}
	if err := take("retry_queue", &j.RetryQueue); err != nil {
		return err
	}
	if err := take("retry_count", &j.RetryCount); err != nil {
		return err
	}
	if err := take("failed_at", &j.FailedAt); err != nil {
		return err
	}
	if err := take("retried_at", &j.RetriedAt); err != nil {
		return err
	}
	if err := take("error_class", &j.ErrorClass); err != nil {
		return err
	}
	if err := take("error_message", &j.ErrorMessage); err != nil {
		return err
	}
	if err := take("backtrace", &j.Backtrace); err != nil {
		return err
	}
	if err := take("error_backtrace", &j.ErrorBacktrace); err != nil {
		return err
	}
	if err := take("dead", &j.Dead); err != nil {
		return err
	}
	if err := take("created_at", &j.CreatedAt); err != nil {
		return err
	}
	if err := take("enqueued_at", &j.EnqueuedAt); err != nil {
		return err
	}
	if err := take("at", &j.At); err != nil {
		return err
	}

	for key, raw := range fields {
		if _, known := knownKeys[key]; known {
			continue
		}
		if j.Extra == nil {
			j.Extra = make(map[string]json.RawMessage)
		}
		j.Extra[key] = raw
	}
	return nil
}

// MarshalJSON emits the envelope with deterministic key order, folding Extra
// back in. A non-nil RetryCount is always written, including zero: the first
// retry is recorded as retry_count 0 and its absence means "never failed".
func (j Job) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(knownKeys)+len(j.Extra))

	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("job: field %q: %w", key, err)
		}
		fields[key] = raw
		return nil
	}

	args := j.Args
	if args == nil {
		args = []any{}
	}
	if err := put("class", j.Class); err != nil {
		return nil, err
	}
	if err := put("args", args); err != nil {
		return nil, err
	}
	if err := put("jid", j.JID); err != nil {
		return nil, err
	}
	if err := put("queue", j.Queue); err != nil {
		return nil, err
	}
	if j.Retry != nil {
		if err := put("retry", j.Retry); err != nil {
			return nil, err
		}
	}
	if j.RetryQueue != "" {
		if err := put("retry_queue", j.RetryQueue); err != nil {
			return nil, err
		}
	}
	if j.RetryCount != nil {
		if err := put("retry_count", *j.RetryCount); err != nil {
			return nil, err
		}
	}
	if j.FailedAt != 0 {
		if err := put("failed_at", j.FailedAt); err != nil {
			return nil, err
		}
	}
	if j.RetriedAt != 0 {
		if err := put("retried_at", j.RetriedAt); err != nil {
			return nil, err
		}
	}
	if j.ErrorClass != "" {
		if err := put("error_class", j.ErrorClass); err != nil {
			return nil, err
		}
	}
	if j.ErrorMessage != "" {
		if err := put("error_message", j.ErrorMessage); err != nil {
			return nil, err
		}
	}
	if j.Backtrace != nil {
		if err := put("backtrace", j.Backtrace); err != nil {
			return nil, err
		}
	}
	if j.ErrorBacktrace != "" {
		if err := put("error_backtrace", j.ErrorBacktrace); err != nil {
			return nil, err
		}
	}
	if j.Dead != nil {
		if err := put("dead", *j.Dead); err != nil {
			return nil, err
		}
	}
	if j.CreatedAt != 0 {
		if err := put("created_at", j.CreatedAt); err != nil {
			return nil, err
		}
	}
	if j.EnqueuedAt != 0 {
		if err := put("enqueued_at", j.EnqueuedAt); err != nil {
			return nil, err
		}
	}
	if j.At != 0 {
		if err := put("at", j.At); err != nil {
			return nil, err
		}
	}
	for key, raw := range j.Extra {
		if _, known := knownKeys[key]; known {
			continue
		}
		fields[key] = raw
	}

	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf strings.Builder
	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(fields[key])
	}
	buf.WriteByte('}')
	return []byte(buf.String()), nil
}

// NewJID returns a fresh 24-character hex job identifier.
func NewJID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("job: read random: %v", err))
	}
	return hex.EncodeToString(b)
}

// Retries reports how many retries have been recorded so far; a job that has
// never failed reports zero.
func (j *Job) Retries() int {
	if j.RetryCount == nil {
		return 0
	}
	return *j.RetryCount
}

// RetryAttempts resolves the retry field against a default maximum:
// absent or true means def, false means none, a number means itself.
func (j *Job) RetryAttempts(def int) int {
	switch v := j.Retry.(type) {
	case nil:
		return def
	case bool:
		if v {
			return def
		}
		return 0
	case float64:
		if v <= 0 {
			return 0
		}
		return int(v)
	case int:
		if v <= 0 {
			return 0
		}
		return v
	default:
		return def
	}
}

// ScrubMessage forces msg into valid UTF-8 and caps it at
// MaxErrorMessageBytes without splitting a rune.
func ScrubMessage(msg string) string {
	msg = strings.ToValidUTF8(msg, string(utf8.RuneError))
	if len(msg) <= MaxErrorMessageBytes {
		return msg
	}
	cut := MaxErrorMessageBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// SafeMessage extracts err.Error(), surviving Error methods that panic.
func SafeMessage(err error) (msg string) {
	defer func() {
		if recover() != nil {
			msg = "!!! ERROR MESSAGE THREW AN ERROR !!!"
		}
	}()
	return err.Error()
}

// ErrorClassOf names an error's dynamic type without the pointer marker.
func ErrorClassOf(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

// Epoch converts a time to the float seconds used in the wire format.
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
