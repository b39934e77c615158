package jetstream

import "testing"

func TestParseSubject(t *testing.T) {
	cases := []struct {
		subject string
		id      string
		kind    MsgKind
	}{
		{"copilot.req.abc-123.start", "abc-123", MsgStart},
		{"copilot.req.abc-123.chunk", "abc-123", MsgChunk},
		{"copilot.req.abc-123.done", "abc-123", MsgDone},
		{"copilot.req.abc-123.other", "", MsgUnknown},
		{"copilot.req.abc-123", "", MsgUnknown},
		{"other.subject", "", MsgUnknown},
	}
	for _, tc := range cases {
		id, kind := ParseSubject(tc.subject)
		if id != tc.id || kind != tc.kind {
			t.Fatalf("ParseSubject(%q) = %q, %v; want %q, %v", tc.subject, id, kind, tc.id, tc.kind)
		}
	}
}

func TestSubjectRoundTrip(t *testing.T) {
	for _, build := range []struct {
		fn   func(string) string
		kind MsgKind
	}{
		{StartSubject, MsgStart},
		{ChunkSubject, MsgChunk},
		{DoneSubject, MsgDone},
	} {
		id, kind := ParseSubject(build.fn("req-1"))
		if id != "req-1" || kind != build.kind {
			t.Fatalf("round trip failed for kind %v: got %q, %v", build.kind, id, kind)
		}
	}
}
