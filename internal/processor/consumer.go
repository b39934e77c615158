package processor

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/copilot-sidekick/internal/jetstream"
)

const chunkBuffer = 1024

// StreamStart announces a proxied streaming response on the bus. It is
// published before any chunk for the same request.
type StreamStart struct {
	Timestamp time.Time     `json:"ts"`
	Request   ParsedRequest `json:"request"`
}

// chanSource adapts a per-request chunk channel to the decoder's
// ChunkSource. Destroy is a no-op: the proxy owns the upstream connection.
type chanSource struct {
	ch chan string
}

func (s *chanSource) Next(ctx context.Context) (string, error) {
	select {
	case chunk, ok := <-s.ch:
		if !ok {
			return "", io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *chanSource) Destroy() {}

// StartConsumer subscribes to the per-request bus and decodes each streaming
// response as its chunks arrive. One goroutine per in-flight request. Blocks
// until ctx is cancelled; cancellation aborts every in-flight decode.
func (p *Processor) StartConsumer(ctx context.Context, js nats.JetStreamContext) {
	var mu sync.Mutex
	active := make(map[string]*chanSource)

	sub, err := js.Subscribe(jetstream.WildcardSubject, func(msg *nats.Msg) {
		defer msg.Ack()

		id, kind := jetstream.ParseSubject(msg.Subject)
		switch kind {
		case jetstream.MsgStart:
			var start StreamStart
			if err := json.Unmarshal(msg.Data, &start); err != nil {
				log.Warn().Err(err).Str("request_id", id).Msg("bad stream start message")
				return
			}
			requestID, err := uuid.Parse(id)
			if err != nil {
				log.Warn().Str("request_id", id).Msg("bad request id on bus")
				return
			}
			src := &chanSource{ch: make(chan string, chunkBuffer)}
			mu.Lock()
			active[id] = src
			mu.Unlock()
			go p.ProcessStream(ctx, requestID, start.Request, start.Timestamp, src)

		case jetstream.MsgChunk:
			mu.Lock()
			src := active[id]
			mu.Unlock()
			if src == nil {
				return
			}
			select {
			case src.ch <- string(msg.Data):
			default:
				// Decoder fell behind. The torn record this leaves behind
				// is skipped downstream as malformed.
				log.Warn().Str("request_id", id).Msg("chunk buffer full, dropping chunk")
			}

		case jetstream.MsgDone:
			mu.Lock()
			src := active[id]
			delete(active, id)
			mu.Unlock()
			if src != nil {
				close(src.ch)
			}
		}
	}, nats.AckExplicit(), nats.ManualAck())
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe to request bus")
		return
	}

	<-ctx.Done()
	sub.Unsubscribe()
}
