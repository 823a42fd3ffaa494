// Package coordinator drives the lifecycle of every proxied request: gate
// admission against the rotation state, descriptor forwarding over the agent
// link, and the response state machine for the three serving modes (real
// streaming, synthesized streaming, buffered). It also owns the failure
// handler that feeds the rotation controller.
package coordinator

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/StudioProxyAPI/internal/config"
	"github.com/router-for-me/StudioProxyAPI/internal/link"
	"github.com/router-for-me/StudioProxyAPI/internal/rotation"
	translator "github.com/router-for-me/StudioProxyAPI/internal/translator/openai"
	"github.com/router-for-me/StudioProxyAPI/internal/wire"
)

// Response state machine timeouts.
const (
	firstFrameTimeout = 300 * time.Second
	chunkTimeout      = 30 * time.Second
	keepAliveInterval = 3 * time.Second
)

// AbortSentinel marks errors caused by a client-side abort. Failures carrying
// it never count against the rotation failure threshold.
const AbortSentinel = "user aborted"

var finishReasonPattern = regexp.MustCompile(`"finishReason"\s*:\s*"([A-Z_]+)"`)

// ErrorResponse is the standard error body returned to clients.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the human-readable error information.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code,omitempty"`
}

// Coordinator binds inbound HTTP requests to the agent link and the rotation
// controller.
type Coordinator struct {
	Link     *link.AgentLink
	Rotation *rotation.Controller

	maxRetries int
	retryDelay time.Duration

	// Operator-tunable runtime settings.
	settingsMu      sync.RWMutex
	streamingMode   string
	reasoning       bool
	nativeReasoning bool
	resumeLimit     int
}

// New creates a coordinator wired to the link and rotation controller.
func New(cfg *config.Config, agentLink *link.AgentLink, controller *rotation.Controller) *Coordinator {
	return &Coordinator{
		Link:            agentLink,
		Rotation:        controller,
		maxRetries:      cfg.MaxRetries,
		retryDelay:      cfg.RetryDelay,
		streamingMode:   cfg.StreamingMode,
		reasoning:       cfg.Reasoning,
		nativeReasoning: cfg.NativeReasoning,
		resumeLimit:     cfg.ResumeLimit,
	}
}

// StreamingMode returns the active streaming mode ("real" or "fake").
func (co *Coordinator) StreamingMode() string {
	co.settingsMu.RLock()
	defer co.settingsMu.RUnlock()
	return co.streamingMode
}

// SetStreamingMode switches between real and fake streaming.
func (co *Coordinator) SetStreamingMode(mode string) error {
	if mode != wire.ModeReal && mode != wire.ModeFake {
		return fmt.Errorf("unknown streaming mode %q", mode)
	}
	co.settingsMu.Lock()
	co.streamingMode = mode
	co.settingsMu.Unlock()
	log.Infof("streaming mode set to %s", mode)
	return nil
}

// ToggleReasoning flips the OpenAI thought-summary flag and returns the new value.
func (co *Coordinator) ToggleReasoning() bool {
	co.settingsMu.Lock()
	defer co.settingsMu.Unlock()
	co.reasoning = !co.reasoning
	return co.reasoning
}

// ToggleNativeReasoning flips thinking-config injection for Google-native
// requests and returns the new value.
func (co *Coordinator) ToggleNativeReasoning() bool {
	co.settingsMu.Lock()
	defer co.settingsMu.Unlock()
	co.nativeReasoning = !co.nativeReasoning
	return co.nativeReasoning
}

// ResumeLimit returns the auto-resume attempt bound.
func (co *Coordinator) ResumeLimit() int {
	co.settingsMu.RLock()
	defer co.settingsMu.RUnlock()
	return co.resumeLimit
}

// SetResumeLimit updates the auto-resume attempt bound. Zero disables resume.
func (co *Coordinator) SetResumeLimit(limit int) error {
	if limit < 0 {
		return fmt.Errorf("resume limit must not be negative")
	}
	co.settingsMu.Lock()
	co.resumeLimit = limit
	co.settingsMu.Unlock()
	return nil
}

func (co *Coordinator) reasoningEnabled() bool {
	co.settingsMu.RLock()
	defer co.settingsMu.RUnlock()
	return co.reasoning
}

func (co *Coordinator) nativeReasoningEnabled() bool {
	co.settingsMu.RLock()
	defer co.settingsMu.RUnlock()
	return co.nativeReasoning
}

// newRequestID builds the per-request identifier: arrival time plus a random
// suffix so ids stay unique under bursts.
func newRequestID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// isGenerative reports whether the path is a generateContent-family call.
func isGenerative(path string) bool {
	return strings.Contains(path, "generateContent") || strings.Contains(path, "streamGenerateContent")
}

// wantsStream implements the stream-intent detection: Accept header, path
// suffix, or body stream flag (OpenAI only, checked by the caller).
func wantsStream(c *gin.Context, path string) bool {
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		return true
	}
	return strings.HasSuffix(path, ":streamGenerateContent")
}

// ProcessRequest serves the Google-native passthrough shape for any path.
func (co *Coordinator) ProcessRequest(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Message: fmt.Sprintf("Invalid request: %v", err),
			Type:    "invalid_request_error",
		}})
		return
	}

	path := c.Request.URL.Path
	generative := isGenerative(path)
	streaming := wantsStream(c, path)

	// Optional thought-config injection for generative passthrough calls.
	if generative && co.nativeReasoningEnabled() && len(rawJSON) > 0 {
		if !gjson.GetBytes(rawJSON, "generationConfig.thinkingConfig").Exists() {
			rawJSON, _ = sjson.SetBytes(rawJSON, "generationConfig.thinkingConfig.includeThoughts", true)
		}
	}

	if ok := co.enterGate(c, generative); !ok {
		return
	}

	requestID := newRequestID()
	queue := co.Link.OpenQueue(requestID)
	defer func() {
		co.Link.CloseQueue(requestID)
		co.Rotation.Release()
	}()

	mode := wire.ModeReal
	if streaming && co.StreamingMode() == wire.ModeFake {
		mode = wire.ModeFake
	}

	envelope := co.buildEnvelope(c, requestID, path, string(rawJSON), mode, generative, streaming)

	switch {
	case streaming && mode == wire.ModeFake:
		co.driveFakeStream(c, queue, envelope, nil)
	case streaming:
		co.driveRealStream(c, queue, envelope, nil, false)
	default:
		co.driveBuffered(c, queue, envelope, nil)
	}
}

// ProcessOpenAI serves POST /v1/chat/completions by translating in both
// directions.
func (co *Coordinator) ProcessOpenAI(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil || !gjson.ValidBytes(rawJSON) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: ErrorDetail{
			Message: "Invalid request body",
			Type:    "invalid_request_error",
		}})
		return
	}

	modelName, bodyStream, geminiBody := translator.ConvertChatRequest(rawJSON, co.reasoningEnabled())
	streaming := bodyStream || wantsStream(c, c.Request.URL.Path)

	action := "generateContent"
	if streaming {
		action = "streamGenerateContent"
	}
	path := fmt.Sprintf("/v1beta/models/%s:%s", modelName, action)

	if ok := co.enterGate(c, true); !ok {
		return
	}

	requestID := newRequestID()
	queue := co.Link.OpenQueue(requestID)
	defer func() {
		co.Link.CloseQueue(requestID)
		co.Rotation.Release()
	}()

	mode := wire.ModeReal
	if streaming && co.StreamingMode() == wire.ModeFake {
		mode = wire.ModeFake
	}

	envelope := co.buildEnvelope(c, requestID, path, string(geminiBody), mode, true, streaming)
	if streaming && mode == wire.ModeReal {
		envelope.QueryParams["alt"] = "sse"
	}
	envelope.Headers["Content-Type"] = "application/json"

	chatID := "chatcmpl-" + requestID
	created := time.Now().Unix()

	switch {
	case streaming && mode == wire.ModeFake:
		co.driveFakeStream(c, queue, envelope, func(body string) string {
			return translator.ConvertStreamChunk([]byte(body), chatID, modelName, created)
		})
	case streaming:
		transform := newSSETranslator(chatID, modelName, created)
		co.driveRealStream(c, queue, envelope, transform, true)
	default:
		co.driveBuffered(c, queue, envelope, func(body []byte) []byte {
			return []byte(translator.ConvertNonStreamResponse(body, chatID, modelName, created))
		})
	}
}

// ProcessModelList serves GET /v1/models. The listing bypasses the rotation
// gate: it is not generative and must work while a switch is draining.
func (co *Coordinator) ProcessModelList(c *gin.Context) {
	if !co.Link.HasLiveConnection() {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrorDetail{
			Message: "Browser agent is not connected",
			Type:    "server_error",
		}})
		return
	}

	requestID := newRequestID()
	queue := co.Link.OpenQueue(requestID)
	defer co.Link.CloseQueue(requestID)

	envelope := wire.RequestEnvelope{
		RequestID:     requestID,
		Path:          "/v1beta/models",
		Method:        http.MethodGet,
		Headers:       map[string]string{},
		QueryParams:   map[string]string{},
		Body:          "",
		StreamingMode: wire.ModeFake,
	}

	status, body, err := co.collectResponse(c.Request.Context(), queue, envelope, requestID)
	if err != nil {
		co.writeCollectError(c, err)
		return
	}
	if status >= 400 {
		c.Data(status, "application/json", body)
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(translator.ConvertModelList(body)))
}

// enterGate applies the common admission checks. It returns false after
// writing the rejection response; on true the caller owes one
// Rotation.Release.
func (co *Coordinator) enterGate(c *gin.Context, generative bool) bool {
	if err := co.Rotation.EnterGate(); err != nil {
		message := "Rotating accounts, please retry shortly"
		if err == rotation.ErrFatal {
			message = "Credential rotation failed, operator intervention required"
		}
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrorDetail{
			Message: message,
			Type:    "server_error",
			Code:    http.StatusServiceUnavailable,
		}})
		return false
	}

	if !co.Link.HasLiveConnection() {
		if co.Rotation.IsBusy() {
			co.Rotation.Release()
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrorDetail{
				Message: "System busy, please retry shortly",
				Type:    "server_error",
			}})
			return false
		}
		log.Warn("no live agent connection, attempting silent session recovery")
		if err := co.Rotation.RecoverSession(c.Request.Context()); err != nil {
			co.Rotation.Release()
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrorDetail{
				Message: "Browser session recovery failed",
				Type:    "server_error",
			}})
			return false
		}
		co.waitForLink(c.Request.Context(), 10*time.Second)
	}

	if co.Rotation.IsBusy() {
		co.Rotation.Release()
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrorDetail{
			Message: "System busy, please retry shortly",
			Type:    "server_error",
		}})
		return false
	}

	co.Rotation.NoteUsage(generative)
	return true
}

// waitForLink polls briefly for the agent to reattach after a session rebind.
func (co *Coordinator) waitForLink(ctx context.Context, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for time.Now().Before(deadline) {
		if co.Link.HasLiveConnection() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// buildEnvelope assembles the request descriptor forwarded to the agent.
// The client API key is stripped from the outbound query.
func (co *Coordinator) buildEnvelope(c *gin.Context, requestID, path, body, mode string, generative, streaming bool) wire.RequestEnvelope {
	headers := make(map[string]string, len(c.Request.Header))
	for name, values := range c.Request.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	delete(headers, "Authorization")
	delete(headers, "X-Goog-Api-Key")
	delete(headers, "X-Api-Key")

	queryParams := make(map[string]string)
	for name, values := range c.Request.URL.Query() {
		if name == "key" || len(values) == 0 {
			continue
		}
		queryParams[name] = values[0]
	}

	resumeLimit := co.ResumeLimit()
	return wire.RequestEnvelope{
		RequestID:         requestID,
		Path:              path,
		Method:            c.Request.Method,
		Headers:           headers,
		QueryParams:       queryParams,
		Body:              body,
		StreamingMode:     mode,
		IsGenerative:      generative,
		ClientWantsStream: streaming,
		ResumeOnProhibit:  generative && resumeLimit > 0,
		ResumeLimit:       resumeLimit,
	}
}

// forward sends the descriptor on the control channel.
func (co *Coordinator) forward(envelope wire.RequestEnvelope) error {
	if err := co.Link.Send(envelope); err != nil {
		return fmt.Errorf("forward request %s: %w", envelope.RequestID, err)
	}
	return nil
}

// isAbort reports whether an error message carries the user-abort sentinel.
func isAbort(message string) bool {
	return strings.Contains(message, AbortSentinel)
}

// handleFailure is the terminal failure path: it feeds the rotation
// controller unless the client aborted.
func (co *Coordinator) handleFailure(ctx context.Context, status int, message string) {
	if isAbort(message) {
		log.Debugf("request aborted by user, not counted as failure")
		return
	}
	log.Warnf("request failed terminally with status %d: %s", status, message)
	co.Rotation.OnRequestFailure(ctx, status)
}

// sseHeaders forces the event-stream response headers.
func sseHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
}

// writeSSEError emits one SSE error chunk.
func writeSSEError(c *gin.Context, flusher http.Flusher, status int, message string) {
	payload, _ := sjson.Set(`{"error":{"message":"","type":"server_error"}}`, "error.message", message)
	payload, _ = sjson.Set(payload, "error.code", status)
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
	flusher.Flush()
}

// driveRealStream passes upstream frames through as they arrive. transform,
// when non-nil, rewrites upstream SSE lines (the OpenAI path); nil writes
// chunk bytes raw. emitDone appends the OpenAI [DONE] terminator.
func (co *Coordinator) driveRealStream(c *gin.Context, queue *link.Queue, envelope wire.RequestEnvelope, transform *sseTranslator, emitDone bool) {
	ctx := c.Request.Context()
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{Message: "Streaming not supported", Type: "server_error"}})
		return
	}

	if err := co.forward(envelope); err != nil {
		co.handleFailure(ctx, http.StatusServiceUnavailable, err.Error())
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: ErrorDetail{Message: "Browser agent is not connected", Type: "server_error"}})
		return
	}

	first, err := queue.Dequeue(ctx, firstFrameTimeout)
	if err != nil {
		co.finishDequeueError(c, ctx, envelope.RequestID, err, false, flusher)
		return
	}
	if first.Kind == link.FrameError {
		co.handleFailure(ctx, first.Status, first.Message)
		status := first.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		c.JSON(status, ErrorResponse{Error: ErrorDetail{Message: first.Message, Type: "upstream_error", Code: status}})
		return
	}

	// Upstream headers minus framing; ours win for the SSE fields.
	for name, value := range first.Headers {
		lower := strings.ToLower(name)
		if lower == "content-length" || lower == "content-type" {
			continue
		}
		c.Header(name, value)
	}
	sseHeaders(c)
	c.Status(http.StatusOK)
	flusher.Flush()

	lastFinishReason := ""
	for {
		frame, errDequeue := queue.Dequeue(ctx, chunkTimeout)
		if errDequeue != nil {
			switch {
			case errDequeue == link.ErrDequeueTimeout:
				// Some upstreams drop the connection without a final frame.
				log.Warnf("no chunk within %s for request %s, assuming clean end", chunkTimeout, envelope.RequestID)
			case errDequeue == link.ErrQueueClosed:
				log.Errorf("agent link lost mid-stream for request %s", envelope.RequestID)
				writeSSEError(c, flusher, http.StatusBadGateway, "Backend connection lost")
				return
			default:
				// Client went away.
				_ = co.Link.SendCancel(envelope.RequestID)
				return
			}
			break
		}

		switch frame.Kind {
		case link.FrameChunk:
			if match := finishReasonPattern.FindStringSubmatch(frame.Data); match != nil {
				lastFinishReason = match[1]
			}
			if transform != nil {
				for _, out := range transform.feed(frame.Data) {
					_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", out)
				}
			} else {
				_, _ = c.Writer.WriteString(frame.Data)
			}
			flusher.Flush()
		case link.FrameError:
			co.handleFailure(ctx, frame.Status, frame.Message)
			if !isAbort(frame.Message) {
				writeSSEError(c, flusher, frame.Status, frame.Message)
			}
			return
		case link.FrameStreamEnd:
			if lastFinishReason != "" {
				log.Debugf("stream for request %s finished with reason %s", envelope.RequestID, lastFinishReason)
			}
			co.Rotation.OnRequestSuccess()
			if emitDone {
				_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
				flusher.Flush()
			}
			return
		}
	}

	co.Rotation.OnRequestSuccess()
	if emitDone {
		_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		flusher.Flush()
	}
}

// driveFakeStream serves a streaming client from a non-streaming upstream:
// it retries the upstream call, emits keep-alive comments while waiting, and
// finally synthesizes one data chunk plus the [DONE] terminator. transform,
// when non-nil, rewrites the aggregated body (the OpenAI path).
func (co *Coordinator) driveFakeStream(c *gin.Context, queue *link.Queue, envelope wire.RequestEnvelope, transform func(string) string) {
	ctx := c.Request.Context()
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: ErrorDetail{Message: "Streaming not supported", Type: "server_error"}})
		return
	}

	sseHeaders(c)
	c.Status(http.StatusOK)
	flusher.Flush()

	lastStatus := http.StatusBadGateway
	lastMessage := "no attempts made"

	for attempt := 0; attempt < co.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				_ = co.Link.SendCancel(envelope.RequestID)
				return
			case <-time.After(co.retryDelay):
			}
		}

		if err := co.forward(envelope); err != nil {
			lastStatus, lastMessage = http.StatusServiceUnavailable, err.Error()
			continue
		}

		first, err := co.dequeueWithKeepAlive(ctx, c, flusher, queue)
		if err != nil {
			if ctx.Err() != nil {
				_ = co.Link.SendCancel(envelope.RequestID)
				return
			}
			lastStatus, lastMessage = http.StatusGatewayTimeout, err.Error()
			log.Warnf("fake stream attempt %d failed: %v", attempt+1, err)
			continue
		}
		if first.Kind == link.FrameError {
			lastStatus, lastMessage = first.Status, first.Message
			if isAbort(first.Message) {
				return
			}
			log.Warnf("fake stream attempt %d got upstream error %d: %s", attempt+1, first.Status, first.Message)
			continue
		}

		// Headers frame: only the status matters in fake mode.
		body, errBody := co.accumulateBody(ctx, queue)
		if errBody != nil {
			if ctx.Err() != nil {
				_ = co.Link.SendCancel(envelope.RequestID)
				return
			}
			lastStatus, lastMessage = http.StatusGatewayTimeout, errBody.Error()
			continue
		}

		out := body
		if transform != nil {
			out = transform(body)
		}
		if out != "" {
			_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", out)
		}
		_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
		flusher.Flush()
		co.Rotation.OnRequestSuccess()
		return
	}

	if !isAbort(lastMessage) {
		co.handleFailure(ctx, lastStatus, lastMessage)
		writeSSEError(c, flusher, lastStatus, lastMessage)
	}
	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

// dequeueWithKeepAlive waits for the first frame while emitting a comment
// line every few seconds so intermediaries keep the client connection open.
func (co *Coordinator) dequeueWithKeepAlive(ctx context.Context, c *gin.Context, flusher http.Flusher, queue *link.Queue) (link.Frame, error) {
	type result struct {
		frame link.Frame
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		frame, err := queue.Dequeue(ctx, firstFrameTimeout)
		resultCh <- result{frame, err}
	}()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-resultCh:
			return res.frame, res.err
		case <-ticker.C:
			_, _ = fmt.Fprint(c.Writer, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// accumulateBody gathers chunk frames until the stream closes.
func (co *Coordinator) accumulateBody(ctx context.Context, queue *link.Queue) (string, error) {
	var builder strings.Builder
	for {
		frame, err := queue.Dequeue(ctx, firstFrameTimeout)
		if err != nil {
			return "", err
		}
		switch frame.Kind {
		case link.FrameChunk:
			builder.WriteString(frame.Data)
		case link.FrameStreamEnd:
			return builder.String(), nil
		case link.FrameError:
			return "", fmt.Errorf("upstream error %d: %s", frame.Status, frame.Message)
		}
	}
}

// driveBuffered serves a non-streaming client: accumulate the upstream body,
// normalize inline image data, and reply once at the upstream status.
func (co *Coordinator) driveBuffered(c *gin.Context, queue *link.Queue, envelope wire.RequestEnvelope, transform func([]byte) []byte) {
	ctx := c.Request.Context()

	status, body, err := co.collectResponse(ctx, queue, envelope, envelope.RequestID)
	if err != nil {
		if ctx.Err() != nil {
			_ = co.Link.SendCancel(envelope.RequestID)
			return
		}
		co.writeCollectError(c, err)
		return
	}

	if status >= 400 {
		co.handleFailure(ctx, status, string(body))
		c.Data(status, "application/json", body)
		return
	}

	if transform != nil {
		body = transform(body)
	} else {
		body = inlineImageParts(body)
	}
	co.Rotation.OnRequestSuccess()
	c.Data(status, "application/json", body)
}

// collectResponse forwards the descriptor and gathers the complete response.
func (co *Coordinator) collectResponse(ctx context.Context, queue *link.Queue, envelope wire.RequestEnvelope, requestID string) (int, []byte, error) {
	if err := co.forward(envelope); err != nil {
		return 0, nil, err
	}

	first, err := queue.Dequeue(ctx, firstFrameTimeout)
	if err != nil {
		return 0, nil, err
	}
	if first.Kind == link.FrameError {
		status := first.Status
		if status == 0 {
			status = http.StatusBadGateway
		}
		return status, []byte(errorBody(status, first.Message)), nil
	}

	body, err := co.accumulateBody(ctx, queue)
	if err != nil {
		return 0, nil, err
	}
	status := first.Status
	if status == 0 {
		status = http.StatusOK
	}
	return status, []byte(body), nil
}

// writeCollectError maps collection failures onto client-visible statuses.
func (co *Coordinator) writeCollectError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	message := err.Error()
	switch {
	case err == link.ErrDequeueTimeout:
		status = http.StatusGatewayTimeout
		message = "Upstream timed out"
	case err == link.ErrQueueClosed:
		message = "Backend connection lost"
	case err == link.ErrNoConnection || strings.Contains(message, link.ErrNoConnection.Error()):
		status = http.StatusServiceUnavailable
		message = "Browser agent is not connected"
	}
	co.handleFailure(c.Request.Context(), status, message)
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Message: message, Type: "server_error", Code: status}})
}

// finishDequeueError terminates a stream whose first frame never arrived.
func (co *Coordinator) finishDequeueError(c *gin.Context, ctx context.Context, requestID string, err error, headersSent bool, flusher http.Flusher) {
	if ctx.Err() != nil {
		_ = co.Link.SendCancel(requestID)
		return
	}
	status := http.StatusBadGateway
	message := "Backend connection lost"
	if err == link.ErrDequeueTimeout {
		status = http.StatusGatewayTimeout
		message = "Upstream timed out"
	}
	co.handleFailure(ctx, status, message)
	if headersSent {
		writeSSEError(c, flusher, status, message)
		return
	}
	c.JSON(status, ErrorResponse{Error: ErrorDetail{Message: message, Type: "server_error", Code: status}})
}

func errorBody(status int, message string) string {
	payload, _ := sjson.Set(`{"error":{"message":"","type":"upstream_error"}}`, "error.message", message)
	payload, _ = sjson.Set(payload, "error.code", status)
	return payload
}

// inlineImageParts rewrites Google inlineData parts into Markdown image text.
// The body is re-serialized only when a replacement occurred.
func inlineImageParts(body []byte) []byte {
	parts := gjson.GetBytes(body, "candidates.0.content.parts")
	if !parts.IsArray() {
		return body
	}
	out := body
	replaced := false
	for i, part := range parts.Array() {
		inlineData := part.Get("inlineData")
		if !inlineData.Exists() {
			continue
		}
		markdown := fmt.Sprintf("![Generated Image](data:%s;base64,%s)",
			inlineData.Get("mimeType").String(), inlineData.Get("data").String())
		out, _ = sjson.SetBytes(out, fmt.Sprintf("candidates.0.content.parts.%d", i), map[string]any{"text": markdown})
		replaced = true
	}
	if !replaced {
		return body
	}
	return out
}

// sseTranslator reassembles upstream SSE lines from arbitrary chunk
// boundaries and converts each data line to an OpenAI chunk.
type sseTranslator struct {
	chatID    string
	modelName string
	created   int64
	buffer    strings.Builder
}

func newSSETranslator(chatID, modelName string, created int64) *sseTranslator {
	return &sseTranslator{chatID: chatID, modelName: modelName, created: created}
}

// feed consumes one raw chunk and returns the translated OpenAI chunks for
// every complete SSE line it contained.
func (t *sseTranslator) feed(data string) []string {
	t.buffer.WriteString(data)
	pending := t.buffer.String()

	out := make([]string, 0, 2)
	for {
		newline := strings.IndexByte(pending, '\n')
		if newline < 0 {
			break
		}
		line := strings.TrimRight(pending[:newline], "\r")
		pending = pending[newline+1:]
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		if chunk := translator.ConvertStreamChunk([]byte(line), t.chatID, t.modelName, t.created); chunk != "" {
			out = append(out, chunk)
		}
	}

	t.buffer.Reset()
	t.buffer.WriteString(pending)
	return out
}
