package processor

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/copilot-sidekick/internal/storage"
	"github.com/namikmesic/copilot-sidekick/internal/stream"
)

// JobQueue accepts write jobs for asynchronous persistence.
// *storage.BatchWriter satisfies it.
type JobQueue interface {
	Enqueue(job storage.WriteJob)
}

// Processor handles background analytics for proxied requests.
type Processor struct {
	writer JobQueue
}

func New(writer JobQueue) *Processor {
	return &Processor{writer: writer}
}

// ProcessStream decodes the SSE response feeding from src, persists every
// completion the decoder yields and backfills token usage on the request
// row. It runs until the decoder is exhausted or the context is cancelled.
func (p *Processor) ProcessStream(ctx context.Context, requestID uuid.UUID, parsed ParsedRequest, ts time.Time, src stream.ChunkSource) {
	dec := stream.NewDecoder(src, stream.Options{ChoiceCount: parsed.ChoiceCount})
	defer dec.Close()

	var completions []stream.Completion
	var upstreamID string
	var usage *stream.Usage

	for {
		res, err := dec.Recv(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().
				Err(err).
				Str("request_id", requestID.String()).
				Msg("stream decode aborted")
			break
		}
		if res.Completion != nil {
			completions = append(completions, *res.Completion)
			if upstreamID == "" {
				upstreamID = res.Completion.Request.ID
			}
			if res.Completion.Usage != nil {
				usage = res.Completion.Usage
			}
		}
		if res.Usage != nil {
			usage = res.Usage
		}
	}

	if len(completions) > 0 {
		p.writer.Enqueue(storage.InsertCompletionsJob(requestID, ts, completions))
	}

	if usage != nil {
		p.writer.Enqueue(storage.UpdateRequestUsageJob(
			requestID, ts, parsed.Model,
			usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		))
	}

	log.Debug().
		Str("request_id", requestID.String()).
		Str("upstream_id", upstreamID).
		Int("completions", len(completions)).
		Msg("stream processing complete")
}

// ProcessNonStream handles a non-streaming chat completion response body.
func (p *Processor) ProcessNonStream(requestID uuid.UUID, parsed ParsedRequest, ts time.Time, body []byte) {
	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Choices []struct {
			Index        int    `json:"index"`
			FinishReason string `json:"finish_reason"`
			Message      struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage *stream.Usage `json:"usage"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return
	}

	if len(resp.Choices) > 0 {
		completions := make([]stream.Completion, len(resp.Choices))
		for i, c := range resp.Choices {
			completions[i] = stream.Completion{
				Request:     stream.RequestIdentity{ID: resp.ID},
				ChoiceIndex: c.Index,
				Text:        c.Message.Content,
				Reason:      stream.FinishReason(c.FinishReason),
				Usage:       resp.Usage,
			}
		}
		p.writer.Enqueue(storage.InsertCompletionsJob(requestID, ts, completions))
	}

	if resp.Usage != nil {
		model := parsed.Model
		if resp.Model != "" {
			model = resp.Model
		}
		p.writer.Enqueue(storage.UpdateRequestUsageJob(
			requestID, ts, model,
			resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens,
		))
	}
}
