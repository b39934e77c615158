package jetstream

import (
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	StreamName    = "COPILOT"
	SubjectPrefix = "copilot.req."

	// WildcardSubject matches every per-request subject, so one consumer
	// sees starts, body chunks and done markers for all requests.
	WildcardSubject = "copilot.req.>"
)

// MsgKind classifies a per-request bus message.
type MsgKind int

const (
	MsgUnknown MsgKind = iota
	// MsgStart carries the parsed request metadata as JSON.
	MsgStart
	// MsgChunk carries one raw body chunk exactly as read from upstream.
	MsgChunk
	// MsgDone marks the end of a request's chunk stream.
	MsgDone
)

func EnsureStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"copilot.>"},
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
		Retention: nats.WorkQueuePolicy,
	})
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return err
	}
	return nil
}

func StartSubject(requestID string) string {
	return SubjectPrefix + requestID + ".start"
}

func ChunkSubject(requestID string) string {
	return SubjectPrefix + requestID + ".chunk"
}

func DoneSubject(requestID string) string {
	return SubjectPrefix + requestID + ".done"
}

// ParseSubject extracts the request id and message kind from a per-request
// subject. Subjects outside the prefix report MsgUnknown.
func ParseSubject(subject string) (requestID string, kind MsgKind) {
	rest, ok := strings.CutPrefix(subject, SubjectPrefix)
	if !ok {
		return "", MsgUnknown
	}
	id, suffix, ok := strings.Cut(rest, ".")
	if !ok || id == "" {
		return "", MsgUnknown
	}
	switch suffix {
	case "start":
		return id, MsgStart
	case "chunk":
		return id, MsgChunk
	case "done":
		return id, MsgDone
	}
	return "", MsgUnknown
}
