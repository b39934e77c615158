package processor

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/namikmesic/copilot-sidekick/internal/storage"
	"github.com/namikmesic/copilot-sidekick/internal/stream"
)

type fakeQueue struct {
	mu   sync.Mutex
	jobs []storage.WriteJob
}

func (q *fakeQueue) Enqueue(job storage.WriteJob) {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func bodySource(lines ...string) stream.ChunkSource {
	body := strings.Join(lines, "\n") + "\n"
	return stream.NewReaderSource(io.NopCloser(strings.NewReader(body)))
}

func TestProcessStreamPersistsCompletionsAndUsage(t *testing.T) {
	q := &fakeQueue{}
	p := New(q)

	src := bodySource(
		`data: {"id":"cmpl-1","choices":[{"index":0,"delta":{"content":"hello"}}]}`,
		`data: {"id":"cmpl-1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`data: {"id":"cmpl-1","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`,
		`data: [DONE]`,
	)

	p.ProcessStream(context.Background(), uuid.New(), ParsedRequest{Model: "gpt-4", ChoiceCount: 1}, time.Now(), src)

	if got := q.count(); got != 2 {
		t.Fatalf("expected completions job and usage job, got %d jobs", got)
	}
}

func TestProcessStreamWithoutUsageSkipsUsageJob(t *testing.T) {
	q := &fakeQueue{}
	p := New(q)

	src := bodySource(
		`data: {"id":"cmpl-2","choices":[{"index":0,"delta":{"content":"x"},"finish_reason":"stop"},{"index":1,"delta":{"content":"y"},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
	)

	p.ProcessStream(context.Background(), uuid.New(), ParsedRequest{ChoiceCount: 2}, time.Now(), src)

	if got := q.count(); got != 1 {
		t.Fatalf("expected only the completions job, got %d jobs", got)
	}
}

func TestProcessStreamEmptyBody(t *testing.T) {
	q := &fakeQueue{}
	p := New(q)

	src := stream.NewReaderSource(io.NopCloser(strings.NewReader("")))
	p.ProcessStream(context.Background(), uuid.New(), ParsedRequest{ChoiceCount: 1}, time.Now(), src)

	if got := q.count(); got != 0 {
		t.Fatalf("expected no jobs for an empty body, got %d", got)
	}
}

func TestProcessNonStream(t *testing.T) {
	q := &fakeQueue{}
	p := New(q)

	body := `{"id":"cmpl-3","model":"gpt-4","choices":[{"index":0,"finish_reason":"stop","message":{"content":"hi"}}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`
	p.ProcessNonStream(uuid.New(), ParsedRequest{}, time.Now(), []byte(body))

	if got := q.count(); got != 2 {
		t.Fatalf("expected completions job and usage job, got %d jobs", got)
	}
}

func TestProcessNonStreamMalformedBody(t *testing.T) {
	q := &fakeQueue{}
	p := New(q)

	p.ProcessNonStream(uuid.New(), ParsedRequest{}, time.Now(), []byte("not json"))

	if got := q.count(); got != 0 {
		t.Fatalf("expected no jobs for malformed body, got %d", got)
	}
}

func TestParseRequest(t *testing.T) {
	parsed := ParseRequest([]byte(`{"model":"gpt-4","messages":[{"role":"user","content":"hi"}],"n":3,"stream":true,"functions":[{"name":"f"}]}`))
	if parsed.Model != "gpt-4" {
		t.Fatalf("model = %q", parsed.Model)
	}
	if parsed.ChoiceCount != 3 {
		t.Fatalf("choice count = %d, want 3", parsed.ChoiceCount)
	}
	if parsed.MessageCount != 1 || parsed.ToolCount != 1 {
		t.Fatalf("counts = %d messages, %d tools", parsed.MessageCount, parsed.ToolCount)
	}
	if !parsed.Stream {
		t.Fatal("expected stream request")
	}
}

func TestParseRequestDefaultsChoiceCount(t *testing.T) {
	for _, body := range []string{`{"model":"gpt-4"}`, `not json`, `{"n":0}`} {
		parsed := ParseRequest([]byte(body))
		if parsed.ChoiceCount != 1 {
			t.Fatalf("body %q: choice count = %d, want 1", body, parsed.ChoiceCount)
		}
	}
}
