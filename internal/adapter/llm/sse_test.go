package llm

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"agentgate/internal/domain"
)

func identityParse(data []byte) (*domain.StreamDelta, error) {
	var d domain.StreamDelta
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func TestParseSSEStreamBasic(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: {\"content\":\"a\"}\n\n" +
			": keep-alive comment\n" +
			"data: {\"content\":\"b\"}\n\n" +
			"data: [DONE]\n\n",
	))

	ch := parseSSEStream(context.Background(), body, identityParse)

	var content string
	var doneCount int
	for d := range ch {
		content += d.Content
		if d.Done {
			doneCount++
		}
	}

	if content != "ab" {
		t.Errorf("content = %q, want %q", content, "ab")
	}
	if doneCount != 1 {
		t.Errorf("done deltas = %d, want 1", doneCount)
	}
}

func TestParseSSEStreamSkipsUnparseable(t *testing.T) {
	body := io.NopCloser(strings.NewReader(
		"data: not-json\n\n" +
			"data: {\"content\":\"ok\"}\n\n" +
			"data: [DONE]\n\n",
	))

	ch := parseSSEStream(context.Background(), body, identityParse)

	var content string
	for d := range ch {
		content += d.Content
	}

	if content != "ok" {
		t.Errorf("content = %q, want %q", content, "ok")
	}
}

func TestParseSSEStreamEOFWithoutDone(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: {\"content\":\"x\"}\n\n"))

	ch := parseSSEStream(context.Background(), body, identityParse)

	var last domain.StreamDelta
	for d := range ch {
		last = d
	}

	if !last.Done {
		t.Error("expected synthesized terminal delta after clean EOF")
	}
	if last.Err != nil {
		t.Errorf("clean EOF should not carry an error, got %v", last.Err)
	}
}

type failingReader struct{ read bool }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.read {
		return 0, io.ErrUnexpectedEOF
	}
	f.read = true
	chunk := "data: {\"content\":\"x\"}\n\n"
	copy(p, chunk)
	return len(chunk), nil
}

func (f *failingReader) Close() error { return nil }

func TestParseSSEStreamReadError(t *testing.T) {
	ch := parseSSEStream(context.Background(), &failingReader{}, identityParse)

	var last domain.StreamDelta
	for d := range ch {
		last = d
	}

	if !last.Done {
		t.Error("expected terminal delta on read error")
	}
	if last.Err == nil {
		t.Error("expected Err on terminal delta after read failure")
	}
}

func TestParseSSEStreamContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body := io.NopCloser(strings.NewReader(
		"data: {\"content\":\"a\"}\n\n" +
			"data: {\"content\":\"b\"}\n\n",
	))

	ch := parseSSEStream(ctx, body, identityParse)

	// Channel must close promptly; draining must not hang.
	for range ch {
	}
}
