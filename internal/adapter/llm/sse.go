package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
)

// errStopStream ends readSSE early without an error.
var errStopStream = errors.New("stop stream")

// readSSE reads "data:" payloads from an SSE body and hands each to onData
// until the body ends, "[DONE]" arrives, onData returns errStopStream, or
// ctx is cancelled.
func readSSE(ctx context.Context, body io.Reader, onData func(data []byte) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		// Skip blank lines, comments and non-data fields.
		if len(line) == 0 || line[0] == ':' || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}
		if err := onData(data); err != nil {
			if errors.Is(err, errStopStream) {
				return nil
			}
			return err
		}
	}
	return scanner.Err()
}
