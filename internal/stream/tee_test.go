package stream

import (
	"io"
	"strings"
	"testing"
)

func TestTeeBodyMirrorsReads(t *testing.T) {
	body := io.NopCloser(strings.NewReader("data: hello\n"))
	client, analytics := TeeBody(body)

	collected := make(chan string, 1)
	go func() {
		b, _ := io.ReadAll(analytics)
		collected <- string(b)
	}()

	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(got) != "data: hello\n" {
		t.Fatalf("client got %q", got)
	}
	if mirrored := <-collected; mirrored != "data: hello\n" {
		t.Fatalf("analytics got %q", mirrored)
	}
}
