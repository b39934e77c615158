package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type RequestRecord struct {
	ID               uuid.UUID
	Timestamp        time.Time
	Method           string
	Path             string
	StatusCode       int
	Success          bool
	ErrorMessage     string
	ResponseTimeMs   int
	Model            string
	IsStream         bool
	MessageCount     int
	ToolCount        int
	ChoiceCount      int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func InsertRequestJob(r *RequestRecord) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			INSERT INTO requests (
				id, ts, method, path, status_code, success, error_message,
				response_time_ms, model, is_stream, message_count, tool_count,
				choice_count, prompt_tokens, completion_tokens, total_tokens
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			r.ID, r.Timestamp, r.Method, r.Path,
			r.StatusCode, r.Success, nilIfEmpty(r.ErrorMessage),
			r.ResponseTimeMs, nilIfEmpty(r.Model), r.IsStream,
			r.MessageCount, r.ToolCount, r.ChoiceCount,
			r.PromptTokens, r.CompletionTokens, r.TotalTokens,
		)
		return err
	})
}

// UpdateRequestUsageJob backfills token counts once the decoded stream
// reports usage. The row is inserted before the stream finishes, so usage
// always arrives as an update.
func UpdateRequestUsageJob(requestID uuid.UUID, ts time.Time, model string, promptTokens, completionTokens, totalTokens int) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		_, err := pool.Exec(ctx, `
			UPDATE requests SET
				model = COALESCE($1, model),
				prompt_tokens = $2,
				completion_tokens = $3,
				total_tokens = $4,
				success = TRUE
			WHERE id = $5 AND ts = $6`,
			nilIfEmpty(model), promptTokens, completionTokens, totalTokens, requestID, ts,
		)
		return err
	})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
