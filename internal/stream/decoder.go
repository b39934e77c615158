package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// FinishReason enumerates why a choice stopped producing output.
type FinishReason string

const (
	FinishReasonStop          FinishReason = "stop"
	FinishReasonLength        FinishReason = "length"
	FinishReasonFunctionCall  FinishReason = "function_call"
	FinishReasonContentFilter FinishReason = "content_filter"
	FinishReasonServerError   FinishReason = "server_error"
	FinishReasonToolCalls     FinishReason = "tool_calls"

	// Reasons produced by the decoder itself rather than the wire.
	// ClientTrimmed means the finish callback truncated the solution,
	// ClientDone means the end sentinel closed the choice, and
	// IterationDone means the stream ended without a sentinel.
	FinishReasonClientTrimmed FinishReason = "client_trimmed"
	FinishReasonClientDone    FinishReason = "client_done"
	FinishReasonIterationDone FinishReason = "iteration_done"
)

// ErrClosed is returned by Recv after Close.
var ErrClosed = errors.New("stream: decoder closed")

// RequestIdentity correlates every completion of one logical request. It is
// captured lazily from the first frame that carries an id, since initial
// frames (e.g. filter-result-only frames) may omit it.
type RequestIdentity struct {
	ID      string
	Created int64
}

// Completion is one finished candidate answer, immutable once yielded.
type Completion struct {
	Request       RequestIdentity
	ChoiceIndex   int
	Text          string
	FinishOffset  *int
	Reason        FinishReason
	FilterReason  string
	Error         *FrameError
	Usage         *Usage
	ToolCalls     []ToolCall
	FunctionCalls []FunctionCall
}

// ThinkingMarker carries reasoning output or, for tool-call flushes, the id
// of the first call as correlation metadata.
type ThinkingMarker struct {
	ID   string
	Text string
}

// CallbackDelta carries the not-yet-seen output that triggered a callback.
// Text is only the newly produced fragment; the other fields are set when
// the triggering frame carried them.
type CallbackDelta struct {
	Text           string
	Logprobs       json.RawMessage
	Annotations    json.RawMessage
	References     json.RawMessage
	ToolCalls      []ToolCall
	FunctionCalls  []FunctionCall
	BeginToolCalls string
	Thinking       *ThinkingMarker
	Confirmation   json.RawMessage
	Errors         json.RawMessage
}

// FinishCallback inspects each incremental emission for a choice. text is
// the full accumulated solution text so far. Returning (offset, true)
// truncates the solution at offset and finishes the choice, even if the raw
// stream never produces a finish reason for it.
type FinishCallback func(text string, index int, delta *CallbackDelta) (offset int, truncate bool)

// Result is one unit yielded by the decoder. Exactly one field is set:
// usage records are yielded separately from completions when the caller
// requested multiple candidates.
type Result struct {
	Completion *Completion
	Usage      *Usage
}

// Options configures a Decoder.
type Options struct {
	// ChoiceCount is the number of candidates the caller requested. When
	// it is 1 (or unset) the single completion is withheld until the
	// stream-global usage record arrives so the completion can carry it.
	ChoiceCount int
	// Finish is invoked on every incremental emission. May be nil.
	Finish FinishCallback
}

// Decoder turns a chunked completion event stream into a sequence of
// finished completions and usage records. It is single-threaded: Recv
// drives chunk consumption, frame dispatch and the finish callback from the
// calling goroutine, so a slow callback backpressures the stream by design.
type Decoder struct {
	src ChunkSource
	cb  FinishCallback
	n   int

	lines    LineSplitter
	choices  map[int]*choiceState
	fnCalls  FunctionCallAccumulator
	fnChoice int

	identity RequestIdentity
	usage    *Usage

	queue  []Result
	held   []*Completion
	done   bool
	closed bool
	err    error

	destroyOnce sync.Once
}

// choiceState tracks one choice through Open and Finished. A finished
// choice is a tombstone: further deltas for its index are dropped, except
// reasoning text which is still forwarded for display.
type choiceState struct {
	index        int
	text         TextAccumulator
	tools        ToolCallAccumulator
	flushedTools []ToolCall
	flushedCalls []FunctionCall
	sawToolCall  bool
	finished     bool
	finishOffset *int
}

func NewDecoder(src ChunkSource, opts Options) *Decoder {
	return &Decoder{
		src:      src,
		cb:       opts.Finish,
		n:        opts.ChoiceCount,
		choices:  make(map[int]*choiceState),
		fnChoice: -1,
	}
}

// Recv returns the next decoded result. It returns io.EOF once the stream
// has been fully consumed and every completion yielded. Transport failures
// and context cancellation propagate as errors; in every case the
// underlying connection has been destroyed by the time Recv returns a
// terminal error.
func (d *Decoder) Recv(ctx context.Context) (Result, error) {
	for {
		if len(d.queue) > 0 {
			res := d.queue[0]
			d.queue = d.queue[1:]
			return res, nil
		}
		if d.err != nil {
			return Result{}, d.err
		}
		if d.closed {
			return Result{}, ErrClosed
		}
		if d.done {
			d.destroy()
			return Result{}, io.EOF
		}

		chunk, err := d.src.Next(ctx)
		// Cancellation checkpoint: immediately after awaiting a chunk.
		if cerr := ctx.Err(); cerr != nil {
			d.fail(cerr)
			return Result{}, cerr
		}
		switch {
		case err == io.EOF:
			if ferr := d.handleStreamEnd(ctx); ferr != nil {
				return Result{}, ferr
			}
		case err != nil:
			// Only transport failures propagate out of the decoder.
			d.fail(err)
			return Result{}, err
		default:
			if perr := d.processChunk(ctx, chunk); perr != nil {
				return Result{}, perr
			}
		}
	}
}

// Close abandons the decode and destroys the underlying connection. Safe
// to call at any point and more than once.
func (d *Decoder) Close() error {
	d.closed = true
	d.destroy()
	return nil
}

func (d *Decoder) destroy() {
	d.destroyOnce.Do(d.src.Destroy)
}

// fail records a terminal error, drops any not-yet-yielded results and
// tears the transport down. Results already handed to the caller stay
// valid.
func (d *Decoder) fail(err error) {
	d.err = err
	d.queue = nil
	d.held = nil
	d.destroy()
}

func (d *Decoder) singleChoice() bool { return d.n <= 1 }

func (d *Decoder) processChunk(ctx context.Context, chunk string) error {
	for _, record := range d.lines.Split(chunk) {
		stop, err := d.processRecord(ctx, record)
		if err != nil {
			return err
		}
		if stop {
			return d.finalize(ctx, true)
		}
	}
	return nil
}

// handleStreamEnd runs when the chunk source is exhausted: the carried tail
// gets one last look, then still-open choices are flushed.
func (d *Decoder) handleStreamEnd(ctx context.Context) error {
	if tail, ok := d.lines.Flush(); ok {
		stop, err := d.processTail(ctx, tail)
		if err != nil {
			return err
		}
		if stop {
			return d.finalize(ctx, true)
		}
	}
	return d.finalize(ctx, false)
}

// processTail handles an unterminated trailing record. A record that still
// parses is processed normally; otherwise one best-effort parse tries to
// surface an error message before the data is dropped.
func (d *Decoder) processTail(ctx context.Context, tail string) (bool, error) {
	payload, kind := ClassifyRecord(tail)
	switch kind {
	case RecordSkip:
		return false, nil
	case RecordDone:
		return true, nil
	}
	frame, err := ParseFrame(payload)
	if err == nil {
		return false, d.processFrame(ctx, frame)
	}
	var probe struct {
		Error *FrameError `json:"error"`
	}
	if json.Unmarshal([]byte(payload), &probe) == nil && probe.Error != nil && probe.Error.Message != "" {
		log.Warn().Str("message", probe.Error.Message).Msg("error found in trailing stream data")
	} else {
		log.Warn().Int("bytes", len(payload)).Msg("unparsed trailing data at stream end")
	}
	return false, nil
}

func (d *Decoder) processRecord(ctx context.Context, record string) (bool, error) {
	payload, kind := ClassifyRecord(record)
	switch kind {
	case RecordSkip:
		return false, nil
	case RecordDone:
		return true, nil
	}
	frame, err := ParseFrame(payload)
	if err != nil {
		// One malformed frame must not corrupt the rest of the decode.
		log.Warn().Err(err).Msg("skipping malformed stream frame")
		return false, nil
	}
	return false, d.processFrame(ctx, frame)
}

func (d *Decoder) processFrame(ctx context.Context, frame *ChatFrame) error {
	if d.identity.ID == "" && frame.ID != "" {
		d.identity = RequestIdentity{ID: frame.ID, Created: frame.Created}
	}

	if frame.Usage != nil {
		u := *frame.Usage
		d.usage = &u
		if d.singleChoice() {
			d.releaseHeld()
		} else {
			d.queue = append(d.queue, Result{Usage: &u})
		}
	}

	if frame.HasSideChannel() {
		// Out-of-band payloads are offered with empty text and choice
		// index 0 by convention, whether or not choices are present.
		delta := &CallbackDelta{
			Confirmation: frame.Confirmation,
			References:   frame.References,
			Errors:       frame.Errors,
		}
		if err := d.invoke(ctx, "", 0, delta); err != nil {
			return err
		}
	}

	if frame.Error != nil && len(frame.Choices) == 0 {
		comp := &Completion{
			Request:     d.identity,
			ChoiceIndex: 0,
			Reason:      FinishReasonServerError,
			Error:       frame.Error,
		}
		if d.singleChoice() {
			comp.Usage = d.usage
		}
		// Protocol errors are yielded immediately, bypassing the
		// single-choice usage hold.
		d.queue = append(d.queue, Result{Completion: comp})
		return nil
	}

	if len(frame.Choices) == 0 {
		if frame.Usage == nil && !frame.HasSideChannel() {
			log.Warn().Str("id", frame.ID).Msg("frame carried neither choices nor side-channel payloads")
		}
		return nil
	}

	for i := range frame.Choices {
		if err := d.processChoice(ctx, frame, &frame.Choices[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Decoder) processChoice(ctx context.Context, frame *ChatFrame, cf *ChoiceFrame) error {
	st := d.choices[cf.Index]
	if st == nil {
		st = &choiceState{index: cf.Index}
		d.choices[cf.Index] = st
	}
	delta := cf.Delta
	reason := FinishReason(cf.FinishReason)

	if st.finished {
		// Tombstoned: drop everything except reasoning text, which is
		// still forwarded for display.
		if delta != nil && delta.ReasoningText != "" {
			return d.invoke(ctx, st.text.String(), st.index, &CallbackDelta{
				Thinking: &ThinkingMarker{Text: delta.ReasoningText},
			})
		}
		return nil
	}

	deferFinish := false
	keepOpen := false

	switch {
	case delta != nil && len(delta.ToolCalls) > 0:
		first := !st.sawToolCall
		st.sawToolCall = true
		if first && st.text.Len() > 0 {
			// The stream format requires a separator between emitted
			// text and the tool-call block that follows it.
			st.text.Append(" ")
		}
		for i := range delta.ToolCalls {
			st.tools.Add(delta.ToolCalls[i])
		}
		if first {
			if err := d.emit(ctx, st, &CallbackDelta{BeginToolCalls: st.tools.FirstName(), Logprobs: cf.Logprobs}); err != nil {
				return err
			}
		}

	case delta != nil && len(delta.Annotations) > 0:
		if !validateAnnotations(delta.Annotations) {
			log.Warn().Int("choice", cf.Index).Msg("dropping malformed annotations payload")
			break
		}
		if err := d.emit(ctx, st, &CallbackDelta{Annotations: delta.Annotations, Logprobs: cf.Logprobs}); err != nil {
			return err
		}

	case delta != nil && delta.Role == "function" && delta.Content != nil:
		var refs []json.RawMessage
		if err := json.Unmarshal([]byte(*delta.Content), &refs); err != nil {
			log.Warn().Err(err).Int("choice", cf.Index).Msg("ignoring malformed function-role reference list")
			break
		}
		if err := d.emit(ctx, st, &CallbackDelta{References: json.RawMessage(*delta.Content), Logprobs: cf.Logprobs}); err != nil {
			return err
		}

	case delta != nil && delta.FunctionCall != nil &&
		(delta.FunctionCall.Name != "" || delta.FunctionCall.Arguments != ""):
		d.fnCalls.Add(delta.FunctionCall.Name, delta.FunctionCall.Arguments)
		d.fnChoice = st.index
		// The call may still be accumulating, so completion is deferred
		// even when this frame carries a finish reason.
		deferFinish = true

	case (reason == FinishReasonFunctionCall || reason == FinishReasonStop) && d.fnCalls.Open():
		call := d.fnCalls.Drain()
		st.flushedCalls = append(st.flushedCalls, call)
		if err := d.emit(ctx, st, &CallbackDelta{FunctionCalls: []FunctionCall{call}, Logprobs: cf.Logprobs}); err != nil {
			return err
		}
		if reason == FinishReasonFunctionCall {
			// Some servers keep streaming text for the choice after a
			// function_call finish; yield the call now but leave the
			// choice open for a later plain completion.
			keepOpen = true
		}

	default:
		content := cf.Text
		if content == "" && delta != nil && delta.Content != nil {
			content = *delta.Content
		}
		if content != "" {
			st.text.Append(content)
			if err := d.emit(ctx, st, &CallbackDelta{Logprobs: cf.Logprobs}); err != nil {
				return err
			}
		}
	}

	// Reasoning text rides alongside whatever the frame was classified as.
	if delta != nil && delta.ReasoningText != "" {
		if err := d.emit(ctx, st, &CallbackDelta{Thinking: &ThinkingMarker{Text: delta.ReasoningText}}); err != nil {
			return err
		}
	}

	// A tool-call finish flushes the accumulated calls as one delta,
	// independent of how the rest of the frame was classified. The
	// thinking marker carries the first call's id for correlation.
	if (reason == FinishReasonToolCalls || reason == FinishReasonStop) && !st.tools.Empty() {
		calls := st.tools.Drain()
		st.flushedTools = append(st.flushedTools, calls...)
		flush := &CallbackDelta{ToolCalls: calls, Thinking: &ThinkingMarker{ID: calls[0].ID}}
		if err := d.emit(ctx, st, flush); err != nil {
			return err
		}
	}

	if st.finishOffset != nil {
		// Callback truncation wins over whatever the stream would have
		// produced later.
		d.yieldCompletion(st, FinishReasonClientTrimmed, frame.Error, true)
		return nil
	}
	if keepOpen {
		d.yieldCompletion(st, FinishReasonFunctionCall, frame.Error, false)
		return nil
	}
	if reason != "" && !deferFinish {
		d.yieldCompletion(st, reason, frame.Error, true)
	}
	return nil
}

// emit drains the new portion of the choice's text into delta and offers it
// to the finish callback. A defined truncation offset is recorded on the
// choice; the first offset wins.
func (d *Decoder) emit(ctx context.Context, st *choiceState, delta *CallbackDelta) error {
	delta.Text = st.text.DrainNew()
	if d.cb == nil {
		return nil
	}
	off, trunc := d.cb(st.text.String(), st.index, delta)
	if trunc && st.finishOffset == nil {
		o := off
		st.finishOffset = &o
	}
	// Cancellation checkpoint: immediately after the callback returns.
	if err := ctx.Err(); err != nil {
		d.fail(err)
		return err
	}
	return nil
}

// invoke offers an out-of-band or post-finish delta to the callback.
// Truncation offsets make no sense here and are ignored.
func (d *Decoder) invoke(ctx context.Context, text string, index int, delta *CallbackDelta) error {
	if d.cb == nil {
		return nil
	}
	d.cb(text, index, delta)
	if err := ctx.Err(); err != nil {
		d.fail(err)
		return err
	}
	return nil
}

func (d *Decoder) yieldCompletion(st *choiceState, reason FinishReason, frameErr *FrameError, tombstone bool) {
	if tombstone {
		st.finished = true
	}
	comp := &Completion{
		Request:       d.identity,
		ChoiceIndex:   st.index,
		Text:          st.text.String(),
		FinishOffset:  st.finishOffset,
		Reason:        reason,
		Error:         frameErr,
		ToolCalls:     st.flushedTools,
		FunctionCalls: st.flushedCalls,
	}
	if reason == FinishReasonContentFilter {
		comp.FilterReason = "content_filter"
	}
	if d.singleChoice() {
		if d.usage == nil && !d.done {
			// Withheld so the single completion can carry the usage
			// record that arrives as its own frame.
			d.held = append(d.held, comp)
			return
		}
		comp.Usage = d.usage
	}
	d.queue = append(d.queue, Result{Completion: comp})
}

func (d *Decoder) releaseHeld() {
	for _, comp := range d.held {
		comp.Usage = d.usage
		d.queue = append(d.queue, Result{Completion: comp})
	}
	d.held = nil
}

// finalize flushes every still-open choice in index order. After an
// explicit sentinel the reason is client_done, or the matching structured
// call reason when a tool or legacy call is still pending; after a stream
// that simply ended it is iteration_done, flagging the abnormal end.
func (d *Decoder) finalize(ctx context.Context, sawSentinel bool) error {
	d.done = true

	indices := make([]int, 0, len(d.choices))
	for idx := range d.choices {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		st := d.choices[idx]
		if st.finished {
			continue
		}
		reason := FinishReasonIterationDone
		if sawSentinel {
			reason = FinishReasonClientDone
		}

		if !st.tools.Empty() {
			calls := st.tools.Drain()
			st.flushedTools = append(st.flushedTools, calls...)
			flush := &CallbackDelta{ToolCalls: calls, Thinking: &ThinkingMarker{ID: calls[0].ID}}
			if err := d.emit(ctx, st, flush); err != nil {
				return err
			}
			if sawSentinel {
				reason = FinishReasonToolCalls
			}
		}
		if d.fnCalls.Open() && st.index == d.fnChoice {
			call := d.fnCalls.Drain()
			st.flushedCalls = append(st.flushedCalls, call)
			if err := d.emit(ctx, st, &CallbackDelta{FunctionCalls: []FunctionCall{call}}); err != nil {
				return err
			}
			if sawSentinel {
				reason = FinishReasonFunctionCall
			}
		}
		if st.finishOffset != nil {
			reason = FinishReasonClientTrimmed
		}
		d.yieldCompletion(st, reason, nil, true)
	}

	d.releaseHeld()
	d.destroy()
	return nil
}
