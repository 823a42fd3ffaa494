package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/StudioProxyAPI/internal/util"
)

// bindTimeout caps one control service call; restarting the browser session
// and replaying the login can take a while.
const bindTimeout = 120 * time.Second

// ControlBinder rebinds the headless browser session by POSTing the
// credential to the browser control service. It implements the rotation
// session binder contract.
type ControlBinder struct {
	controlURL string
	client     *http.Client
}

// NewControlBinder creates a binder against the given control service URL.
func NewControlBinder(controlURL, proxyURL string) *ControlBinder {
	client := &http.Client{Timeout: bindTimeout}
	if proxyURL != "" {
		client = util.SetProxy(proxyURL, client)
		client.Timeout = bindTimeout
	}
	return &ControlBinder{controlURL: controlURL, client: client}
}

// Bind asks the control service to restart the browser session with the
// credential snapshot.
func (b *ControlBinder) Bind(ctx context.Context, index int, credential []byte) error {
	payload, err := json.Marshal(map[string]any{
		"index": index,
		"state": json.RawMessage(credential),
	})
	if err != nil {
		return fmt.Errorf("browser: marshal bind payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.controlURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("browser: build bind request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("browser: control service call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("browser: control service returned %d: %s", resp.StatusCode, string(raw))
	}
	log.Infof("browser session bound to credential %d", index)
	return nil
}

// LogBinder is a session binder for deployments where the browser layer is
// driven by hand: it only records which credential should be active.
type LogBinder struct{}

// Bind implements the session binder contract.
func (LogBinder) Bind(_ context.Context, index int, _ []byte) error {
	log.Warnf("no browser control service configured; load credential %d into the session manually", index)
	return nil
}
