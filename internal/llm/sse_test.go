package llm

import (
	"context"
	"io"
	"strings"
	"testing"
)

// chunkReader yields the underlying data in fixed-size pieces so tests
// can force record boundaries to fall mid-line.
type chunkReader struct {
	data []byte
	size int
	off  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.off >= len(r.data) {
		return 0, io.EOF
	}
	n := r.size
	if n > len(p) {
		n = len(p)
	}
	if r.off+n > len(r.data) {
		n = len(r.data) - r.off
	}
	copy(p, r.data[r.off:r.off+n])
	r.off += n
	return n, nil
}

func collectSSE(t *testing.T, r io.Reader) []string {
	t.Helper()
	var got []string
	err := ParseSSE(context.Background(), r, func(ev SSEEvent) error {
		got = append(got, ev.Data)
		return nil
	})
	if err != nil {
		t.Fatalf("ParseSSE: %v", err)
	}
	return got
}

func TestParseSSE_ChunkBoundaryInvariance(t *testing.T) {
	stream := "data: {\"a\":1}\n\ndata: {\"b\":\"two\"}\n\n: keepalive\n\ndata: {\"c\":3}\n\ndata: [DONE]\n\n"

	want := collectSSE(t, strings.NewReader(stream))
	if len(want) != 4 {
		t.Fatalf("baseline record count = %d, want 4", len(want))
	}

	for size := 1; size <= len(stream); size++ {
		got := collectSSE(t, &chunkReader{data: []byte(stream), size: size})
		if len(got) != len(want) {
			t.Fatalf("chunk size %d: %d records, want %d", size, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("chunk size %d: record %d = %q, want %q", size, i, got[i], want[i])
			}
		}
	}
}

func TestParseSSE_DropsProtocolNoise(t *testing.T) {
	stream := "event: message\nretry: 100\n\ndata: {\"x\":1}\n\ngarbage line\ndata: [DONE]\n\n"
	got := collectSSE(t, strings.NewReader(stream))
	if len(got) != 2 {
		t.Fatalf("records = %v, want payload then sentinel", got)
	}
	if got[0] != `{"x":1}` || got[1] != DoneSentinel {
		t.Fatalf("unexpected records: %v", got)
	}
}

func TestParseSSE_StopsReadingAfterSentinel(t *testing.T) {
	stream := "data: {\"x\":1}\n\ndata: [DONE]\n\ndata: {\"after\":true}\n\n"
	got := collectSSE(t, strings.NewReader(stream))
	for _, rec := range got {
		if strings.Contains(rec, "after") {
			t.Fatalf("record decoded past the sentinel: %q", rec)
		}
	}
	if got[len(got)-1] != DoneSentinel {
		t.Fatalf("last record = %q, want sentinel", got[len(got)-1])
	}
}

func TestParseSSE_FlushesUnterminatedTrailingRecord(t *testing.T) {
	got := collectSSE(t, strings.NewReader("data: {\"tail\":1}"))
	if len(got) != 1 || got[0] != `{"tail":1}` {
		t.Fatalf("unexpected records: %v", got)
	}
}

func TestParseSSE_CRLFRecords(t *testing.T) {
	got := collectSSE(t, strings.NewReader("data: {\"x\":1}\r\n\r\ndata: [DONE]\r\n\r\n"))
	if len(got) != 2 || got[0] != `{"x":1}` {
		t.Fatalf("unexpected records: %v", got)
	}
}

func TestParseSSE_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ParseSSE(ctx, strings.NewReader("data: {\"x\":1}\n\n"), func(SSEEvent) error { return nil })
	if err == nil {
		t.Fatal("expected context error")
	}
}
