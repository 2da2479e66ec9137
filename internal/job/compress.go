package job

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// CompressBacktrace encodes stack frames as zlib-compressed, base64-encoded
// JSON, the representation shared with other runtimes.
func CompressBacktrace(frames []string) (string, error) {
	if frames == nil {
		frames = []string{}
	}
	raw, err := json.Marshal(frames)
	if err != nil {
		return "", fmt.Errorf("job: marshal backtrace: %w", err)
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("job: compress backtrace: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("job: compress backtrace: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecompressBacktrace reverses CompressBacktrace. Whitespace inside the
// encoded form is tolerated since some producers wrap long lines.
func DecompressBacktrace(encoded string) ([]string, error) {
	encoded = strings.Join(strings.Fields(encoded), "")
	if encoded == "" {
		return nil, nil
	}

	compressed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("job: decode backtrace: %w", err)
	}
	zr, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("job: decompress backtrace: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("job: decompress backtrace: %w", err)
	}
	var frames []string
	if err := json.Unmarshal(raw, &frames); err != nil {
		return nil, fmt.Errorf("job: unmarshal backtrace: %w", err)
	}
	return frames, nil
}
