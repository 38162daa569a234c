package llm

import (
	"context"
	"io"
	"strings"
)

// DoneSentinel terminates an upstream event stream. Once seen, no
// further records are read even if the source keeps producing bytes.
const DoneSentinel = "[DONE]"

// SSEEvent is one decoded server-sent record.
type SSEEvent struct {
	Data string
}

// ParseSSE reads an SSE byte stream and invokes fn once per complete
// "data:"-prefixed record. Chunk boundaries falling inside a record are
// buffered; a partial trailing record is never emitted. Lines that do
// not match the data prefix are protocol noise and are dropped. The
// [DONE] sentinel is delivered to fn and then decoding stops, even if
// the reader has more bytes. The caller owns closing r.
func ParseSSE(ctx context.Context, r io.Reader, fn func(ev SSEEvent) error) error {
	var pending strings.Builder
	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			pending.Write(buf[:n])
			rest, done, err := drainRecords(pending.String(), fn)
			if err != nil {
				return err
			}
			pending.Reset()
			pending.WriteString(rest)
			if done {
				return nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				// Flush a final unterminated record, if any.
				_, _, err := drainRecords(pending.String()+"\n", fn)
				return err
			}
			return readErr
		}
	}
}

// drainRecords emits every newline-terminated record in s and returns
// the unterminated remainder. done reports that the sentinel was seen.
func drainRecords(s string, fn func(ev SSEEvent) error) (rest string, done bool, err error) {
	for {
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			return s, false, nil
		}
		line := strings.TrimRight(s[:idx], "\r")
		s = s[idx+1:]

		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		if err := fn(SSEEvent{Data: payload}); err != nil {
			return s, false, err
		}
		if payload == DoneSentinel {
			return s, true, nil
		}
	}
}
