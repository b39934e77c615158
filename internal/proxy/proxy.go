package proxy

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/copilot-sidekick/internal/config"
	"github.com/namikmesic/copilot-sidekick/internal/jetstream"
	"github.com/namikmesic/copilot-sidekick/internal/processor"
	"github.com/namikmesic/copilot-sidekick/internal/storage"
	"github.com/namikmesic/copilot-sidekick/internal/stream"
)

// Handler is the core reverse proxy.
type Handler struct {
	cfg       *config.Config
	client    *http.Client
	writer    processor.JobQueue
	processor *processor.Processor
	js        nats.JetStreamContext
}

func NewHandler(cfg *config.Config, writer processor.JobQueue, proc *processor.Processor, js nats.JetStreamContext) *Handler {
	return &Handler{
		cfg: cfg,
		client: &http.Client{
			// No timeout, streaming responses can be long-lived
			Timeout: 0,
			// Don't follow redirects
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		writer:    writer,
		processor: proc,
		js:        js,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New()
	ts := time.Now()
	start := ts

	var reqBody []byte
	if r.Body != nil {
		var err error
		reqBody, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			log.Error().Err(err).Msg("failed to read request body")
			http.Error(w, "failed to read request body", http.StatusBadGateway)
			return
		}
	}

	reqParsed := processor.ParseRequest(reqBody)

	targetURL := buildTargetURL(h.cfg.UpstreamBaseURL, r.URL.Path, r.URL.RawQuery)
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, bytes.NewReader(reqBody))
	if err != nil {
		log.Error().Err(err).Msg("failed to create upstream request")
		http.Error(w, "failed to create upstream request", http.StatusBadGateway)
		return
	}

	upstreamReq.Header = prepareUpstreamHeaders(r.Header, h.cfg.UpstreamAPIKey)

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		log.Error().Err(err).Str("url", targetURL).Msg("upstream request failed")
		http.Error(w, "upstream request failed", http.StatusBadGateway)

		h.writer.Enqueue(storage.InsertRequestJob(&storage.RequestRecord{
			ID:             requestID,
			Timestamp:      ts,
			Method:         r.Method,
			Path:           r.URL.Path,
			StatusCode:     502,
			Success:        false,
			ErrorMessage:   err.Error(),
			ResponseTimeMs: int(time.Since(start).Milliseconds()),
		}))
		return
	}
	defer resp.Body.Close()

	isStreaming := isStreamingResponse(resp)

	h.writer.Enqueue(storage.InsertRequestJob(&storage.RequestRecord{
		ID:             requestID,
		Timestamp:      ts,
		Method:         r.Method,
		Path:           r.URL.Path,
		StatusCode:     resp.StatusCode,
		Success:        resp.StatusCode >= 200 && resp.StatusCode < 400,
		ResponseTimeMs: int(time.Since(start).Milliseconds()),
		Model:          reqParsed.Model,
		IsStream:       isStreaming,
		MessageCount:   reqParsed.MessageCount,
		ToolCount:      reqParsed.ToolCount,
		ChoiceCount:    reqParsed.ChoiceCount,
	}))

	clientHeaders := prepareClientHeaders(resp.Header)
	for k, vv := range clientHeaders {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}

	if isStreaming {
		h.handleStreaming(w, resp, requestID, ts, reqParsed)
	} else {
		h.handleNonStreaming(w, resp, requestID, ts, reqParsed)
	}

	log.Info().
		Str("request_id", requestID.String()).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", resp.StatusCode).
		Bool("stream", isStreaming).
		Dur("duration", time.Since(start)).
		Msg("proxied request")
}

// handleStreaming relays the SSE body to the client while a background
// goroutine publishes the same bytes to the bus for decoding.
func (h *Handler) handleStreaming(w http.ResponseWriter, resp *http.Response, requestID uuid.UUID, ts time.Time, reqParsed processor.ParsedRequest) {
	body, analytics := stream.TeeBody(resp.Body)
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		h.publishStream(requestID.String(), ts, reqParsed, analytics)
	}()

	w.WriteHeader(resp.StatusCode)
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}

	body.Close()
	<-pubDone
}

// publishStream announces the stream on the bus and forwards every body
// chunk, closing with a done marker so the consumer can finalize.
func (h *Handler) publishStream(id string, ts time.Time, reqParsed processor.ParsedRequest, r io.Reader) {
	startMsg, _ := json.Marshal(processor.StreamStart{Timestamp: ts, Request: reqParsed})
	if _, err := h.js.Publish(jetstream.StartSubject(id), startMsg); err != nil {
		log.Warn().Err(err).Str("request_id", id).Msg("failed to announce stream on bus")
		io.Copy(io.Discard, r)
		return
	}

	buf := make([]byte, 32*1024)
	subject := jetstream.ChunkSubject(id)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.js.Publish(subject, buf[:n])
		}
		if err != nil {
			break
		}
	}

	done, _ := json.Marshal(map[string]int64{"ts": ts.UnixNano()})
	h.js.Publish(jetstream.DoneSubject(id), done)
}

func (h *Handler) handleNonStreaming(w http.ResponseWriter, resp *http.Response, requestID uuid.UUID, ts time.Time, reqParsed processor.ParsedRequest) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Error().Err(err).Msg("failed to read response body")
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	go h.processor.ProcessNonStream(requestID, reqParsed, ts, respBody)
}

func isStreamingResponse(resp *http.Response) bool {
	ct := resp.Header.Get("Content-Type")
	return strings.Contains(ct, "text/event-stream")
}
