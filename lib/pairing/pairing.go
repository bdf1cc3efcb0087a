// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package pairing runs the device-pairing session protocol: initiate
// a QR or PIN session with the remote service, surface the display
// material, poll for completion, and hand the resulting credentials
// to the caller.
//
// One Session holds at most one active pairing at a time; starting a
// new one cancels the previous. Late poll results from a cancelled
// attempt are dropped by an epoch counter.
package pairing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/allow2/engine/lib/clock"
	"github.com/allow2/engine/lib/credstore"
)

// PollInterval is how often an active session asks the service
// whether the parent has finished pairing.
const PollInterval = 2 * time.Second

// ErrBusy is returned when a start races another start in flight.
var ErrBusy = errors.New("pairing: session already initializing")

// State names one node of the session lifecycle.
type State string

const (
	StateIdle           State = "idle"
	StateInitializing   State = "initializing"
	StateWaiting        State = "waiting"
	StateScanned        State = "scanned"
	StateAuthenticating State = "authenticating"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
	StateExpired        State = "expired"
	StateDeclined       State = "declined"
)

// active reports whether the state still has a pairing in flight.
func (s State) active() bool {
	switch s {
	case StateInitializing, StateWaiting, StateScanned, StateAuthenticating:
		return true
	}
	return false
}

// Mode selects how the parent identifies the device.
type Mode string

const (
	ModeQR  Mode = "qr"
	ModePIN Mode = "pin"
)

// Init is what the service returns when a session is opened.
type Init struct {
	SessionID     string
	QRCodeURL     string
	PINCode       string
	WebPairingURL string
	ExpiresIn     time.Duration
}

// Status is one poll's answer from the service.
type Status struct {
	Completed bool
	Success   bool
	Scanned   bool
	UserID    string
	PairID    string
	PairToken string
	Children  []Child
	Error     string
}

// Child is the per-child record delivered on completion and cached
// for offline PIN selection.
type Child struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	PinHash string `json:"pinHash"`
	PinSalt string `json:"pinSalt"`
}

// Client is the slice of the remote service a session needs.
type Client interface {
	InitQRPairing(ctx context.Context, deviceToken, deviceName string) (Init, error)
	InitPINPairing(ctx context.Context, deviceToken, deviceName string) (Init, error)
	CheckPairingStatus(ctx context.Context, sessionID string) (Status, error)
	CancelPairing(ctx context.Context, sessionID string) error
}

// Display is the material the UI shows while the session is active.
// It is non-empty only in the waiting, scanned, and authenticating
// states.
type Display struct {
	Mode          Mode
	SessionID     string
	QRCodeURL     string
	PINCode       string
	WebPairingURL string
	IssuedAt      time.Time
	ExpiresIn     time.Duration
}

// Result is delivered to the completion callback exactly once per
// successful session.
type Result struct {
	Credentials credstore.Credentials
	Children    []Child
}

// Session is the pairing state machine. All exported methods are safe
// for concurrent use.
type Session struct {
	client Client
	clock  clock.Clock
	log    *slog.Logger

	// onCompleted receives the credentials of a successful session.
	// Called without the session lock held.
	onCompleted func(Result)
	// onStateChanged, if set, observes every transition.
	onStateChanged func(State)

	mu      sync.Mutex
	state   State
	display Display
	epoch   uint64
	cancel  context.CancelFunc
	expiry  *clock.Timer
}

// NewSession returns an idle session. A nil clk means the real clock;
// a nil logger discards.
func NewSession(client Client, clk clock.Clock, logger *slog.Logger) *Session {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Session{
		client: client,
		clock:  clk,
		log:    logger,
		state:  StateIdle,
	}
}

// OnCompleted registers the callback that receives credentials when a
// session succeeds. Must be set before Start.
func (s *Session) OnCompleted(fn func(Result)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCompleted = fn
}

// OnStateChanged registers an observer for state transitions. Must be
// set before Start.
func (s *Session) OnStateChanged(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChanged = fn
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Display returns the current display material. ok is false unless
// the session is waiting for the parent.
func (s *Session) Display() (Display, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateWaiting, StateScanned, StateAuthenticating:
		return s.display, true
	}
	return Display{}, false
}

// StartQR opens a QR pairing session, replacing any active one.
func (s *Session) StartQR(ctx context.Context, deviceToken, deviceName string) (Display, error) {
	return s.start(ctx, ModeQR, deviceToken, deviceName)
}

// StartPIN opens a PIN pairing session, replacing any active one.
func (s *Session) StartPIN(ctx context.Context, deviceToken, deviceName string) (Display, error) {
	return s.start(ctx, ModePIN, deviceToken, deviceName)
}

func (s *Session) start(ctx context.Context, mode Mode, deviceToken, deviceName string) (Display, error) {
	s.mu.Lock()
	if s.state == StateInitializing {
		s.mu.Unlock()
		return Display{}, ErrBusy
	}
	prevID := s.display.SessionID
	prevActive := s.state.active()
	s.stopLocked()
	epoch := s.epoch
	notify := s.setStateLocked(StateInitializing)
	s.mu.Unlock()
	notify()

	if prevActive && prevID != "" {
		if err := s.client.CancelPairing(ctx, prevID); err != nil {
			s.log.Warn("pairing cancel failed", "session_id", prevID, "error", err)
		}
	}

	var init Init
	var err error
	if mode == ModePIN {
		init, err = s.client.InitPINPairing(ctx, deviceToken, deviceName)
	} else {
		init, err = s.client.InitQRPairing(ctx, deviceToken, deviceName)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		// Cancelled or replaced while the init call was in flight.
		s.mu.Unlock()
		return Display{}, context.Canceled
	}
	if err != nil {
		notify = s.setStateLocked(StateFailed)
		s.mu.Unlock()
		notify()
		s.log.Warn("pairing init failed", "mode", mode, "error", err)
		return Display{}, err
	}

	s.display = Display{
		Mode:          mode,
		SessionID:     init.SessionID,
		QRCodeURL:     init.QRCodeURL,
		PINCode:       init.PINCode,
		WebPairingURL: init.WebPairingURL,
		IssuedAt:      s.clock.Now(),
		ExpiresIn:     init.ExpiresIn,
	}
	notify = s.setStateLocked(StateWaiting)

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.expiry = s.clock.AfterFunc(init.ExpiresIn, func() { s.expire(epoch) })
	go s.poll(pollCtx, epoch, init.SessionID)

	display := s.display
	s.mu.Unlock()
	notify()
	s.log.Info("pairing session started",
		"mode", mode, "session_id", init.SessionID, "expires_in", init.ExpiresIn)
	return display, nil
}

// Cancel tells the service to drop the session and returns to idle.
// Idempotent; late poll results are discarded.
func (s *Session) Cancel(ctx context.Context) {
	s.mu.Lock()
	sessionID := s.display.SessionID
	wasActive := s.state.active()
	s.stopLocked()
	notify := s.setStateLocked(StateIdle)
	s.mu.Unlock()
	notify()

	if wasActive && sessionID != "" {
		if err := s.client.CancelPairing(ctx, sessionID); err != nil {
			s.log.Warn("pairing cancel failed", "session_id", sessionID, "error", err)
		}
	}
}

// stopLocked bumps the epoch and tears down timers so in-flight work
// from the previous attempt is ignored.
func (s *Session) stopLocked() {
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
}

// setStateLocked updates the state and returns the observer call to
// run once the lock is released, preserving transition order.
func (s *Session) setStateLocked(state State) func() {
	if s.state == state {
		return func() {}
	}
	s.state = state
	if s.onStateChanged == nil {
		return func() {}
	}
	fn := s.onStateChanged
	return func() { fn(state) }
}

func (s *Session) expire(epoch uint64) {
	s.mu.Lock()
	if s.epoch != epoch || !s.state.active() {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	notify := s.setStateLocked(StateExpired)
	sessionID := s.display.SessionID
	s.mu.Unlock()
	notify()
	s.log.Info("pairing session expired", "session_id", sessionID)
}

// poll asks the service for the session status every PollInterval
// until the session resolves or the epoch moves on.
func (s *Session) poll(ctx context.Context, epoch uint64, sessionID string) {
	ticker := s.clock.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := s.client.CheckPairingStatus(ctx, sessionID)
		if err != nil {
			// Transient: keep polling until expiry.
			s.log.Debug("pairing status check failed", "session_id", sessionID, "error", err)
			continue
		}
		if done := s.apply(epoch, status); done {
			return
		}
	}
}

// apply folds one status answer into the state machine. It reports
// whether polling should stop.
func (s *Session) apply(epoch uint64, status Status) bool {
	s.mu.Lock()

	if s.epoch != epoch || !s.state.active() {
		s.mu.Unlock()
		return true
	}

	switch {
	case status.Error != "":
		s.stopLocked()
		notify := s.setStateLocked(StateFailed)
		s.mu.Unlock()
		notify()
		s.log.Warn("pairing failed", "error", status.Error)
		return true

	case status.Completed && status.Success:
		s.stopLocked()
		notify := s.setStateLocked(StateCompleted)
		result := Result{
			Credentials: credstore.Credentials{
				UserID:    status.UserID,
				PairID:    status.PairID,
				PairToken: status.PairToken,
			},
			Children: status.Children,
		}
		fn := s.onCompleted
		s.mu.Unlock()
		notify()
		s.log.Info("pairing completed", "children", len(result.Children))
		if fn != nil {
			fn(result)
		}
		return true

	case status.Completed:
		s.stopLocked()
		notify := s.setStateLocked(StateDeclined)
		s.mu.Unlock()
		notify()
		s.log.Info("pairing declined by parent")
		return true

	case status.Scanned:
		// First scan moves to scanned; while the parent authenticates
		// the service keeps reporting scanned.
		var notify func()
		if s.state == StateWaiting {
			notify = s.setStateLocked(StateScanned)
		} else if s.state == StateScanned {
			notify = s.setStateLocked(StateAuthenticating)
		}
		s.mu.Unlock()
		if notify != nil {
			notify()
		}
		return false
	}

	s.mu.Unlock()
	return false
}
