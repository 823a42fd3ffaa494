// Package agent implements the browser-side half of the gateway: a client
// that holds the control channel open, executes upstream fetches inside the
// authenticated session, and streams response frames back. It also owns the
// retry policy for flaky upstream calls and the auto-resume flow for
// responses truncated by upstream content filters.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/StudioProxyAPI/internal/util"
	"github.com/router-for-me/StudioProxyAPI/internal/wire"
)

const (
	// DefaultIdleTimeout aborts an upstream call that produced no data.
	DefaultIdleTimeout = 600 * time.Second

	// reconnectDelay paces control channel reconnect attempts.
	reconnectDelay = 2 * time.Second

	// pingInterval keeps intermediaries from dropping the control channel.
	pingInterval = 3 * time.Second

	readChunkSize = 4 * 1024
)

// abortMessage is the cancellation sentinel; the gateway excludes errors
// carrying it from failure counting.
const abortMessage = "user aborted"

// Statuses the upstream emits transiently; any other error status fails the
// call immediately.
var retryableStatuses = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Headers that describe the agent's own connection and must not be replayed
// upstream.
var strippedHeaders = map[string]bool{
	"host":            true,
	"connection":      true,
	"content-length":  true,
	"accept-encoding": true,
	"origin":          true,
	"referer":         true,
	"user-agent":      true,
}

// Options configures an Agent.
type Options struct {
	// GatewayURL is the control channel endpoint, e.g. ws://127.0.0.1:2048/agent.
	GatewayURL string

	// UpstreamBaseURL is the API origin requests are executed against.
	UpstreamBaseURL string

	// ProxyURL optionally routes upstream calls through a proxy.
	ProxyURL string

	// MaxRetries bounds upstream fetch attempts per request.
	MaxRetries int

	// RetryDelay is the pause between fetch attempts.
	RetryDelay time.Duration

	// IdleTimeout aborts a fetch that produced no data.
	IdleTimeout time.Duration
}

// Agent executes gateway request envelopes against the upstream API.
type Agent struct {
	opts   Options
	client *http.Client

	writeMu sync.Mutex
	conn    *websocket.Conn

	inflightMu sync.Mutex
	inflight   map[string]context.CancelFunc
}

// New creates an agent. Zero option fields take defaults.
func New(opts Options) *Agent {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	client := &http.Client{}
	if opts.ProxyURL != "" {
		client = util.SetProxy(opts.ProxyURL, client)
	}
	return &Agent{
		opts:     opts,
		client:   client,
		inflight: make(map[string]context.CancelFunc),
	}
}

// Run connects to the gateway and serves envelopes until the context ends.
// Lost connections are re-dialed after a short delay.
func (a *Agent) Run(ctx context.Context) error {
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.opts.GatewayURL, nil)
		if err != nil {
			log.Warnf("control channel dial failed: %v, retrying in %s", err, reconnectDelay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDelay):
				continue
			}
		}

		log.Infof("control channel connected to %s", a.opts.GatewayURL)
		a.serve(ctx, conn)
		_ = conn.Close()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// serve reads envelopes from one connection until it breaks.
func (a *Agent) serve(ctx context.Context, conn *websocket.Conn) {
	a.writeMu.Lock()
	a.conn = conn
	a.writeMu.Unlock()

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go a.pingLoop(pingCtx, conn)

	for {
		var envelope wire.RequestEnvelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if ctx.Err() == nil {
				log.Warnf("control channel read failed: %v", err)
			}
			return
		}

		if envelope.EventType == wire.EventCancelRequest {
			a.cancelRequest(envelope.RequestID)
			continue
		}
		go a.handleRequest(ctx, envelope)
	}
}

func (a *Agent) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(pingInterval)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (a *Agent) cancelRequest(requestID string) {
	a.inflightMu.Lock()
	cancel, ok := a.inflight[requestID]
	a.inflightMu.Unlock()
	if ok {
		log.Debugf("cancelling request %s on gateway order", requestID)
		cancel()
	}
}

// send writes one event on the control channel.
func (a *Agent) send(event wire.AgentEvent) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("agent: no control channel")
	}
	return a.conn.WriteJSON(event)
}

func (a *Agent) sendError(requestID string, status int, message string) {
	if err := a.send(wire.AgentEvent{
		RequestID: requestID,
		EventType: wire.EventError,
		Status:    status,
		Message:   message,
	}); err != nil {
		log.Warnf("deliver error event for %s failed: %v", requestID, err)
	}
}

// handleRequest executes one envelope end to end.
func (a *Agent) handleRequest(ctx context.Context, envelope wire.RequestEnvelope) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.inflightMu.Lock()
	a.inflight[envelope.RequestID] = cancel
	a.inflightMu.Unlock()
	defer func() {
		a.inflightMu.Lock()
		delete(a.inflight, envelope.RequestID)
		a.inflightMu.Unlock()
	}()

	// The idle timer aborts attempts that never produce data. It is re-armed
	// at the start of every attempt and disarmed on the first body byte.
	idleTimer := time.AfterFunc(a.opts.IdleTimeout, cancel)
	defer idleTimer.Stop()

	targetURL, err := a.buildUpstreamURL(envelope)
	if err != nil {
		a.sendError(envelope.RequestID, http.StatusBadGateway, err.Error())
		return
	}

	body := envelope.Body
	if isImageModelPath(envelope.Path) {
		body = filterImageModelBody(body)
	}

	resume := newResumeState(envelope, body)
	for {
		redispatch, done := a.dispatch(reqCtx, envelope, targetURL, resume, idleTimer)
		if done {
			return
		}
		if !redispatch {
			return
		}
	}
}

// dispatch performs the attempt loop for one upstream call and streams the
// response. It returns redispatch=true when the resume flow rebuilt the body
// and the call should run again.
func (a *Agent) dispatch(ctx context.Context, envelope wire.RequestEnvelope, targetURL string, resume *resumeState, idleTimer *time.Timer) (redispatch bool, done bool) {
	var resp *http.Response
	lastMessage := "no attempts made"

	for attempt := 1; attempt <= a.opts.MaxRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				a.sendError(envelope.RequestID, 499, abortMessage)
				return false, true
			case <-time.After(a.opts.RetryDelay):
			}
		}
		idleTimer.Reset(a.opts.IdleTimeout)

		req, errReq := http.NewRequestWithContext(ctx, envelope.Method, targetURL, strings.NewReader(resume.body))
		if errReq != nil {
			a.sendError(envelope.RequestID, http.StatusBadGateway, errReq.Error())
			return false, true
		}
		applyHeaders(req, envelope.Headers)

		response, errDo := a.client.Do(req)
		if errDo != nil {
			if ctx.Err() != nil {
				a.sendError(envelope.RequestID, 499, abortMessage)
				return false, true
			}
			lastMessage = errDo.Error()
			log.Warnf("upstream attempt %d/%d for %s failed: %v", attempt, a.opts.MaxRetries, envelope.RequestID, errDo)
			continue
		}

		if retryableStatuses[response.StatusCode] {
			raw, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
			_ = response.Body.Close()
			lastMessage = fmt.Sprintf("upstream status %d: %s", response.StatusCode, strings.TrimSpace(string(raw)))
			log.Warnf("upstream attempt %d/%d for %s: %s", attempt, a.opts.MaxRetries, envelope.RequestID, lastMessage)
			continue
		}

		if response.StatusCode >= 400 {
			raw, _ := io.ReadAll(io.LimitReader(response.Body, 64*1024))
			_ = response.Body.Close()
			a.sendError(envelope.RequestID, response.StatusCode, string(raw))
			return false, true
		}

		resp = response
		break
	}

	if resp == nil {
		a.sendError(envelope.RequestID, http.StatusBadGateway, lastMessage)
		return false, true
	}
	defer func() { _ = resp.Body.Close() }()

	// Headers go out exactly once across resume re-dispatches.
	if !resume.headersSent {
		headers := map[string]string{}
		if contentType := resp.Header.Get("Content-Type"); contentType != "" {
			headers["Content-Type"] = contentType
		}
		if err := a.send(wire.AgentEvent{
			RequestID: envelope.RequestID,
			EventType: wire.EventResponseHeaders,
			Status:    resp.StatusCode,
			Headers:   headers,
		}); err != nil {
			return false, true
		}
		resume.headersSent = true
	}

	return a.streamBody(ctx, envelope, resp.Body, resume, idleTimer)
}

// streamBody relays the response body as chunk events, watching for
// filter-truncated output when resume is armed.
func (a *Agent) streamBody(ctx context.Context, envelope wire.RequestEnvelope, body io.Reader, resume *resumeState, idleTimer *time.Timer) (redispatch bool, done bool) {
	reader := bufio.NewReader(body)
	buf := make([]byte, readChunkSize)
	first := true

	forward := func(data string) bool {
		if data == "" {
			return true
		}
		return a.send(wire.AgentEvent{
			RequestID: envelope.RequestID,
			EventType: wire.EventChunk,
			Data:      data,
		}) == nil
	}

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if first {
				idleTimer.Stop()
				first = false
			}
			chunk := string(buf[:n])

			if resume.armed() {
				out, truncated, finishReason := resume.ingest(chunk)
				if truncated {
					a.rearmResume(envelope, resume, finishReason)
					return true, false
				}
				if !forward(out) {
					return false, true
				}
			} else if !forward(chunk) {
				return false, true
			}
		}
		if err == io.EOF {
			if resume.armed() {
				out, truncated, finishReason := resume.flush()
				if truncated {
					a.rearmResume(envelope, resume, finishReason)
					return true, false
				}
				if !forward(out) {
					return false, true
				}
			}
			_ = a.send(wire.AgentEvent{RequestID: envelope.RequestID, EventType: wire.EventStreamClose})
			return false, true
		}
		if err != nil {
			if ctx.Err() != nil {
				a.sendError(envelope.RequestID, 499, abortMessage)
			} else {
				a.sendError(envelope.RequestID, http.StatusBadGateway, err.Error())
			}
			return false, true
		}
	}
}

// rearmResume rebuilds the request body with the collected model turn so the
// next dispatch continues where the filter cut off.
func (a *Agent) rearmResume(envelope wire.RequestEnvelope, resume *resumeState, finishReason string) {
	resume.attempts++
	resume.body = appendModelTurn(resume.originalBody, resume.collected.String())
	log.Infof("response for %s truncated by %s, resuming (attempt %d/%d)",
		envelope.RequestID, finishReason, resume.attempts, resume.limit)
}

// resumeState tracks the auto-resume flow across re-dispatches. Incoming
// bytes are buffered so truncation events split across reads are still seen
// whole: SSE bodies are scanned per complete line, plain JSON bodies are
// held back entirely and scanned at end of stream.
type resumeState struct {
	originalBody string
	body         string
	collected    strings.Builder
	attempts     int
	limit        int
	enabled      bool
	headersSent  bool

	pending   strings.Builder
	modeKnown bool
	jsonBody  bool
}

func newResumeState(envelope wire.RequestEnvelope, body string) *resumeState {
	return &resumeState{
		originalBody: body,
		body:         body,
		limit:        envelope.ResumeLimit,
		enabled:      envelope.ResumeOnProhibit && envelope.IsGenerative && envelope.ResumeLimit > 0,
	}
}

func (s *resumeState) armed() bool { return s.enabled }

// ingest buffers one read and returns the bytes safe to forward. truncated
// reports a filter cut that the resume loop should continue from; the
// truncation event itself is never part of forward.
func (s *resumeState) ingest(chunk string) (forward string, truncated bool, finishReason string) {
	s.pending.WriteString(chunk)
	if !s.modeKnown {
		head := strings.TrimLeft(s.pending.String(), " \t\r\n")
		if head == "" {
			return "", false, ""
		}
		s.jsonBody = head[0] == '{'
		s.modeKnown = true
	}
	if s.jsonBody {
		return "", false, ""
	}

	data := s.pending.String()
	idx := strings.LastIndexByte(data, '\n')
	if idx < 0 {
		return "", false, ""
	}
	complete, rest := data[:idx+1], data[idx+1:]
	s.pending.Reset()
	s.pending.WriteString(rest)
	return s.scan(complete)
}

// flush scans whatever is still buffered once the body ends.
func (s *resumeState) flush() (forward string, truncated bool, finishReason string) {
	data := s.pending.String()
	if data == "" {
		return "", false, ""
	}
	s.pending.Reset()
	return s.scan(data)
}

func (s *resumeState) scan(data string) (forward string, truncated bool, finishReason string) {
	text, reason := extractTextAndFinish(data)
	s.collected.WriteString(text)
	if isProhibitedFinish(reason) && s.attempts < s.limit {
		s.pending.Reset()
		s.modeKnown = false
		return "", true, reason
	}
	return data, false, reason
}

// buildUpstreamURL joins the base origin with the envelope path and query.
// Fake streaming mode downgrades the call to its non-streaming form.
func (a *Agent) buildUpstreamURL(envelope wire.RequestEnvelope) (string, error) {
	base, err := url.Parse(a.opts.UpstreamBaseURL)
	if err != nil {
		return "", fmt.Errorf("agent: parse upstream base: %w", err)
	}

	path := envelope.Path
	if envelope.StreamingMode == wire.ModeFake {
		path = strings.Replace(path, ":streamGenerateContent", ":generateContent", 1)
	}
	base.Path = strings.TrimSuffix(base.Path, "/") + path

	query := url.Values{}
	for name, value := range envelope.QueryParams {
		if envelope.StreamingMode == wire.ModeFake && name == "alt" {
			continue
		}
		query.Set(name, value)
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}

// applyHeaders copies envelope headers minus the connection-describing ones.
func applyHeaders(req *http.Request, headers map[string]string) {
	for name, value := range headers {
		lower := strings.ToLower(name)
		if strippedHeaders[lower] || strings.HasPrefix(lower, "sec-fetch-") {
			continue
		}
		req.Header.Set(name, value)
	}
	if req.Header.Get("Content-Type") == "" && req.Method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
}

// isImageModelPath matches image-generation model paths whose upstream
// rejects text-generation config fields.
func isImageModelPath(path string) bool {
	return strings.Contains(path, "-image-") || strings.Contains(path, "imagen")
}

// filterImageModelBody strips request fields image models reject.
func filterImageModelBody(body string) string {
	for _, field := range []string{"tools", "toolChoice", "tool_config", "generationConfig.thinkingConfig"} {
		if gjson.Get(body, field).Exists() {
			body, _ = sjson.Delete(body, field)
		}
	}
	return body
}

// isProhibitedFinish reports whether the finish reason marks a
// filter-truncated response that auto-resume can continue.
func isProhibitedFinish(finishReason string) bool {
	return finishReason == "PROHIBITED_CONTENT" || finishReason == "SAFETY"
}

// extractTextAndFinish pulls visible text and the finish reason out of one
// upstream chunk. Both raw JSON bodies and SSE data lines are understood.
func extractTextAndFinish(chunk string) (string, string) {
	var text strings.Builder
	finishReason := ""

	scan := func(payload string) {
		root := gjson.Parse(payload)
		for _, part := range root.Get("candidates.0.content.parts").Array() {
			if part.Get("thought").Bool() {
				continue
			}
			text.WriteString(part.Get("text").String())
		}
		if reason := root.Get("candidates.0.finishReason"); reason.Exists() {
			finishReason = reason.String()
		}
	}

	trimmed := strings.TrimSpace(chunk)
	if strings.HasPrefix(trimmed, "{") {
		scan(trimmed)
		return text.String(), finishReason
	}
	for _, line := range strings.Split(chunk, "\n") {
		line = strings.TrimSpace(line)
		if payload := strings.TrimPrefix(line, "data:"); payload != line {
			scan(strings.TrimSpace(payload))
		}
	}
	return text.String(), finishReason
}

// appendModelTurn rebuilds a request body with the partial model output
// appended so the next call continues where the filter cut off. A trailing
// model turn is extended in place; anything else gets a new turn.
func appendModelTurn(body, text string) string {
	if text == "" {
		return body
	}

	contents := gjson.Get(body, "contents")
	if !contents.IsArray() {
		out, _ := sjson.SetRaw(body, "contents", `[]`)
		out, _ = sjson.Set(out, "contents.0", map[string]any{
			"role": "model", "parts": []map[string]any{{"text": text}},
		})
		return out
	}

	items := contents.Array()
	if len(items) > 0 {
		last := items[len(items)-1]
		if last.Get("role").String() == "model" {
			partCount := int(last.Get("parts.#").Int())
			lastPartPath := fmt.Sprintf("contents.%d.parts.%d.text", len(items)-1, partCount-1)
			if partCount > 0 && gjson.Get(body, lastPartPath).Exists() {
				merged := gjson.Get(body, lastPartPath).String() + text
				out, _ := sjson.Set(body, lastPartPath, merged)
				return out
			}
			out, _ := sjson.Set(body, fmt.Sprintf("contents.%d.parts.-1", len(items)-1), map[string]any{"text": text})
			return out
		}
	}

	out, _ := sjson.Set(body, "contents.-1", map[string]any{
		"role": "model", "parts": []map[string]any{{"text": text}},
	})
	return out
}
