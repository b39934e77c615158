package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/namikmesic/copilot-sidekick/internal/stream"
)

// InsertCompletionsJob creates a batch insert job for decoded completions
// using the COPY protocol.
func InsertCompletionsJob(requestID uuid.UUID, ts time.Time, completions []stream.Completion) WriteJob {
	return WriteJobFunc(func(ctx context.Context, pool *pgxpool.Pool) error {
		rows := make([][]interface{}, len(completions))
		for i, c := range completions {
			var toolCalls, functionCalls []byte
			if len(c.ToolCalls) > 0 {
				toolCalls, _ = json.Marshal(c.ToolCalls)
			}
			if len(c.FunctionCalls) > 0 {
				functionCalls, _ = json.Marshal(c.FunctionCalls)
			}
			var errMsg *string
			if c.Error != nil && c.Error.Message != "" {
				errMsg = &c.Error.Message
			}
			rows[i] = []interface{}{
				ts,
				requestID,
				nilIfEmpty(c.Request.ID),
				c.ChoiceIndex,
				string(c.Reason),
				nilIfEmpty(c.FilterReason),
				c.FinishOffset,
				c.Text,
				toolCalls,
				functionCalls,
				errMsg,
			}
		}

		_, err := pool.CopyFrom(ctx,
			pgx.Identifier{"completions"},
			[]string{"ts", "request_id", "upstream_id", "choice_index", "finish_reason", "filter_reason", "finish_offset", "content", "tool_calls", "function_calls", "error_message"},
			pgx.CopyFromRows(rows),
		)
		return err
	})
}
