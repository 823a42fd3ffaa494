// Package rotation tracks credential usage and failure counters and owns the
// policy that decides when the gateway rebinds its browser session to a
// different credential. Switches are either deferred until in-flight requests
// drain (usage threshold) or executed immediately (failure threshold,
// configured status codes, operator request).
package rotation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/StudioProxyAPI/internal/credential"
)

var (
	// ErrRotating rejects new arrivals while a switch is pending or running.
	ErrRotating = errors.New("rotation: rotating accounts")

	// ErrBusy rejects arrivals while the session layer is otherwise occupied.
	ErrBusy = errors.New("rotation: system busy")

	// ErrFatal reports that both a switch and its fallback failed.
	ErrFatal = errors.New("rotation: credential switch failed fatally")

	// ErrNoTarget reports that no usable switch target exists.
	ErrNoTarget = errors.New("rotation: no switch target available")
)

// SessionBinder rebinds the headless browser session to a credential
// snapshot. It is the contract boundary to the out-of-process browser
// automation layer.
type SessionBinder interface {
	Bind(ctx context.Context, index int, credential []byte) error
}

// BindFunc adapts a function to the SessionBinder interface.
type BindFunc func(ctx context.Context, index int, credential []byte) error

// Bind implements SessionBinder.
func (f BindFunc) Bind(ctx context.Context, index int, credential []byte) error {
	return f(ctx, index, credential)
}

// Recorder observes rotation events for statistics. All methods may be
// called concurrently.
type Recorder interface {
	RecordRequest(index int)
	RecordFailure(index int)
	RecordSwitch(from, to int, reason string)
}

// Settings holds the rotation policy knobs.
type Settings struct {
	// FailureThreshold switches after this many consecutive terminal
	// failures. Zero disables failure counting entirely.
	FailureThreshold int

	// SwitchOnUses arms a pending switch after this many generative
	// requests. Zero disables usage-based rotation.
	SwitchOnUses int

	// ImmediateSwitchStatusCodes switch as soon as the upstream returns one
	// of these codes.
	ImmediateSwitchStatusCodes []int

	// InitialIndex selects the credential bound at startup; zero or an
	// unavailable index falls back to the lowest available one.
	InitialIndex int
}

// Controller owns the rotation state machine. All counter and flag mutations
// happen under a single mutex; the expensive session bind runs outside it
// with isSwitching held so the request gate stays closed.
type Controller struct {
	store    *credential.Store
	binder   SessionBinder
	settings Settings

	immediate map[int]bool
	recorder  Recorder

	mu            sync.Mutex
	current       int
	usageCount    int
	failureCount  int
	active        int
	pendingSwitch bool
	switching     bool
	busy          bool
	fatal         bool
}

// NewController creates a controller over the given store and binder.
// The store must hold at least one valid credential.
func NewController(store *credential.Store, binder SessionBinder, settings Settings) (*Controller, error) {
	available := store.AvailableIndices()
	if len(available) == 0 {
		return nil, errors.New("rotation: no valid credentials available")
	}

	current := available[0]
	for _, index := range available {
		if index == settings.InitialIndex {
			current = index
			break
		}
	}

	immediate := make(map[int]bool, len(settings.ImmediateSwitchStatusCodes))
	for _, code := range settings.ImmediateSwitchStatusCodes {
		immediate[code] = true
	}

	return &Controller{
		store:     store,
		binder:    binder,
		settings:  settings,
		immediate: immediate,
		current:   current,
	}, nil
}

// SetRecorder attaches a statistics observer. Must be called before serving.
func (r *Controller) SetRecorder(recorder Recorder) {
	r.recorder = recorder
}

// Start binds the initial credential.
func (r *Controller) Start(ctx context.Context) error {
	blob, err := r.store.Get(r.current)
	if err != nil {
		return err
	}
	if err = r.binder.Bind(ctx, r.current, blob); err != nil {
		return fmt.Errorf("rotation: initial bind of credential %d failed: %w", r.current, err)
	}
	log.Infof("bound initial credential %d (%s)", r.current, r.store.DisplayName(r.current))
	return nil
}

// EnterGate admits a request or rejects it while rotation work is underway.
// Admission increments the active request counter; every admitted request
// must call Release exactly once.
func (r *Controller) EnterGate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal {
		return ErrFatal
	}
	if r.pendingSwitch || r.switching {
		return ErrRotating
	}
	r.active++
	return nil
}

// IsBusy reports whether the session layer is mid-switch or otherwise
// unavailable for new work.
func (r *Controller) IsBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.busy
}

// NoteUsage counts one generative request against the usage threshold.
// Usage is not counted while a switch is pending, so a draining credential
// cannot re-arm the threshold.
func (r *Controller) NoteUsage(generative bool) {
	if !generative {
		return
	}
	r.mu.Lock()
	index := r.current
	if !r.pendingSwitch {
		r.usageCount++
		if r.settings.SwitchOnUses > 0 && r.usageCount >= r.settings.SwitchOnUses {
			r.pendingSwitch = true
			log.Infof("credential %d reached %d uses, switch pending drain", r.current, r.usageCount)
		}
	}
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.RecordRequest(index)
	}
}

// Release retires one admitted request and advances a pending switch when
// the last in-flight request drains.
func (r *Controller) Release() {
	r.mu.Lock()
	if r.active > 0 {
		r.active--
	}
	r.mu.Unlock()
	r.TryExecutePendingSwitch()
}

// ActiveRequests returns the number of admitted, unreleased requests.
func (r *Controller) ActiveRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// OnRequestSuccess resets the consecutive failure counter.
func (r *Controller) OnRequestSuccess() {
	r.mu.Lock()
	r.failureCount = 0
	r.mu.Unlock()
}

// OnRequestFailure counts a terminal, non-cancellation request failure and
// switches immediately when the status code or the failure threshold demands
// it. Cancellation errors must be filtered out by the caller.
func (r *Controller) OnRequestFailure(ctx context.Context, status int) {
	r.mu.Lock()
	index := r.current
	if r.settings.FailureThreshold > 0 {
		r.failureCount++
	}
	immediate := r.immediate[status]
	thresholdHit := r.settings.FailureThreshold > 0 && r.failureCount >= r.settings.FailureThreshold
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.RecordFailure(index)
	}

	switch {
	case immediate:
		log.Warnf("upstream status %d is in the immediate switch set, rotating now", status)
		if err := r.SwitchNow(ctx, fmt.Sprintf("status %d", status)); err != nil {
			log.Errorf("immediate switch failed: %v", err)
		}
	case thresholdHit:
		log.Warnf("failure threshold reached (%d), rotating now", r.settings.FailureThreshold)
		if err := r.SwitchNow(ctx, "failure threshold"); err != nil {
			log.Errorf("threshold switch failed: %v", err)
		}
	}
}

// TryExecutePendingSwitch begins the armed switch once no requests are in
// flight. This is the single transition from draining to switching; the
// eligibility check and the switching flip happen atomically.
func (r *Controller) TryExecutePendingSwitch() {
	r.mu.Lock()
	if !r.pendingSwitch || r.switching || r.active > 0 {
		r.mu.Unlock()
		return
	}
	r.switching = true
	r.busy = true
	target := r.nextIndexLocked()
	r.mu.Unlock()

	go func() {
		if err := r.executeSwitch(context.Background(), target, "usage threshold"); err != nil {
			log.Errorf("drain switch failed: %v", err)
		}
	}()
}

// SwitchNow rotates to the next credential immediately, regardless of
// in-flight requests.
func (r *Controller) SwitchNow(ctx context.Context, reason string) error {
	r.mu.Lock()
	if r.switching {
		r.mu.Unlock()
		return nil
	}
	r.switching = true
	r.busy = true
	target := r.nextIndexLocked()
	r.mu.Unlock()

	return r.executeSwitch(ctx, target, reason)
}

// SwitchTo rotates to a specific credential on operator request. Active
// requests produce a warning but do not refuse the switch.
func (r *Controller) SwitchTo(ctx context.Context, target int) error {
	if _, err := r.store.Get(target); err != nil {
		return err
	}

	r.mu.Lock()
	if r.switching {
		r.mu.Unlock()
		return errors.New("rotation: switch already in progress")
	}
	if r.active > 0 {
		log.Warnf("manual switch requested with %d request(s) in flight", r.active)
	}
	r.switching = true
	r.busy = true
	r.mu.Unlock()

	return r.executeSwitch(ctx, target, "manual")
}

// RecoverSession silently rebinds the current credential. The coordinator
// uses this after the agent link was lost.
func (r *Controller) RecoverSession(ctx context.Context) error {
	r.mu.Lock()
	if r.busy {
		r.mu.Unlock()
		return ErrBusy
	}
	r.busy = true
	index := r.current
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
	}()

	blob, err := r.store.Get(index)
	if err != nil {
		return err
	}
	if err = r.binder.Bind(ctx, index, blob); err != nil {
		return fmt.Errorf("rotation: session recovery failed: %w", err)
	}
	log.Infof("recovered browser session with credential %d", index)
	return nil
}

// nextIndexLocked computes the rotation target: the entry after the current
// index in the available list, wrapping around. A current index missing from
// the list selects the first entry. Callers hold r.mu.
func (r *Controller) nextIndexLocked() int {
	available := r.store.AvailableIndices()
	if len(available) == 0 {
		return r.current
	}
	for i, index := range available {
		if index == r.current {
			return available[(i+1)%len(available)]
		}
	}
	return available[0]
}

// executeSwitch performs the bind with isSwitching already held. On failure
// it falls back to the previous credential; when the fallback also fails the
// controller enters the fatal state. State flags are reset on every path.
func (r *Controller) executeSwitch(ctx context.Context, target int, reason string) error {
	r.mu.Lock()
	previous := r.current
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.switching = false
		r.busy = false
		r.mu.Unlock()
	}()

	log.Infof("switching credential %d -> %d (%s)", previous, target, reason)

	blob, err := r.store.Get(target)
	if err == nil {
		err = r.binder.Bind(ctx, target, blob)
	}
	if err == nil {
		r.mu.Lock()
		r.current = target
		r.usageCount = 0
		r.failureCount = 0
		r.pendingSwitch = false
		r.mu.Unlock()
		if r.recorder != nil {
			r.recorder.RecordSwitch(previous, target, reason)
		}
		log.Infof("switched to credential %d (%s)", target, r.store.DisplayName(target))
		return nil
	}

	log.Errorf("switch to credential %d failed: %v, falling back to %d", target, err, previous)
	fallbackBlob, errGet := r.store.Get(previous)
	var errFallback error
	if errGet != nil {
		errFallback = errGet
	} else {
		errFallback = r.binder.Bind(ctx, previous, fallbackBlob)
	}
	if errFallback != nil {
		r.mu.Lock()
		r.fatal = true
		r.mu.Unlock()
		log.Errorf("fallback to credential %d also failed: %v; operator intervention required", previous, errFallback)
		return fmt.Errorf("%w: switch: %v, fallback: %v", ErrFatal, err, errFallback)
	}

	// Fallback succeeded. Counters reset so a failing target does not wedge
	// the controller in a tight switch loop.
	r.mu.Lock()
	r.usageCount = 0
	r.failureCount = 0
	r.pendingSwitch = false
	r.mu.Unlock()
	return fmt.Errorf("rotation: switch to %d failed (fell back to %d): %w", target, previous, err)
}

// Snapshot is a point-in-time view of the controller for the status surface.
type Snapshot struct {
	CurrentIndex   int    `json:"currentIndex"`
	CurrentName    string `json:"currentName"`
	UsageCount     int    `json:"usageCount"`
	FailureCount   int    `json:"failureCount"`
	ActiveRequests int    `json:"activeRequests"`
	PendingSwitch  bool   `json:"pendingSwitch"`
	IsSwitching    bool   `json:"isSwitching"`
	IsSystemBusy   bool   `json:"isSystemBusy"`
	Fatal          bool   `json:"fatal"`
}

// Snapshot returns the current rotation state.
func (r *Controller) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		CurrentIndex:   r.current,
		CurrentName:    r.store.DisplayName(r.current),
		UsageCount:     r.usageCount,
		FailureCount:   r.failureCount,
		ActiveRequests: r.active,
		PendingSwitch:  r.pendingSwitch,
		IsSwitching:    r.switching,
		IsSystemBusy:   r.busy,
		Fatal:          r.fatal,
	}
}

// CurrentIndex returns the currently bound credential index.
func (r *Controller) CurrentIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
