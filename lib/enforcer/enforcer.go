// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

// Package enforcer is the engine's facade. It owns the credential
// store, offline cache, deficit tracker, replay ledger, and pairing
// session, wires them to the decision engine, and fans observer
// events out to the host.
//
// The enforcer never panics on bad input; every fallible operation
// returns an explicit error. Hosts construct one Enforcer per profile
// and hand it to their collaborators.
package enforcer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/allow2/engine/lib/clock"
	"github.com/allow2/engine/lib/credstore"
	"github.com/allow2/engine/lib/crypto"
	"github.com/allow2/engine/lib/decision"
	"github.com/allow2/engine/lib/deficit"
	"github.com/allow2/engine/lib/keychain"
	"github.com/allow2/engine/lib/offlinecache"
	"github.com/allow2/engine/lib/pairing"
	"github.com/allow2/engine/lib/prefstore"
	"github.com/allow2/engine/lib/replay"
	"github.com/allow2/engine/lib/travel"
	"github.com/allow2/engine/lib/voicecode"
)

const (
	// DefaultActivity is the activity the periodic check evaluates
	// (internet).
	DefaultActivity uint8 = 1

	// CheckInterval is the periodic allowance check cadence.
	CheckInterval = 10 * time.Second

	// lockoutThreshold failures trigger a PIN lockout.
	lockoutThreshold = 5

	// lockoutBase doubles per repeated lockout up to lockoutCap.
	lockoutBase = 5 * time.Minute
	lockoutCap  = 60 * time.Minute

	// maxOutstandingRequests bounds the voice-request backlog; the
	// oldest request is dropped when a new one would exceed it.
	maxOutstandingRequests = 8
)

// Errors returned by the facade.
var (
	ErrNotPaired       = errors.New("enforcer: not paired")
	ErrNoChildSelected = errors.New("enforcer: no child selected")
	ErrInvalidArgument = errors.New("enforcer: invalid argument")
	ErrInvalidPIN      = errors.New("enforcer: invalid pin")
	ErrLocked          = errors.New("enforcer: pin locked out")
	ErrReplay          = errors.New("enforcer: code already used")
	ErrDeficitExceeded = errors.New("enforcer: deficit cap reached")
)

// StatusError is a network failure carrying the HTTP status the
// service answered with. Status 401 means the pairing was released
// remotely.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("enforcer: service returned status %d", e.Code)
}

// Child is the per-child record cached at pairing time.
type Child = pairing.Child

// ActivityStatus is one activity's slice of a check response.
type ActivityStatus struct {
	ID               uint8 `json:"id"`
	RemainingSeconds int64 `json:"remaining"`
	Banned           bool  `json:"banned"`
	TimeblockAllowed bool  `json:"timeblockAllowed"`
}

// CheckResponse is the service's answer to an online allowance check.
type CheckResponse struct {
	Allowed          bool
	RemainingSeconds int64
	Expires          time.Time
	Banned           bool
	DayType          string
	BlockReason      string
	Activities       []ActivityStatus

	// OfflineCache, when non-empty, is a fresh cache envelope to
	// install.
	OfflineCache []byte
}

// NetworkClient is the full remote-service surface the enforcer
// consumes: the pairing protocol plus checks and time requests.
type NetworkClient interface {
	pairing.Client

	Check(ctx context.Context, creds credstore.Credentials, childID uint64,
		activities []uint8, logUsage bool) (CheckResponse, error)
	RequestTime(ctx context.Context, creds credstore.Credentials, childID uint64,
		activityID uint8, minutes int, message string) (string, error)
}

// UrlCategorizer maps a URL host to an activity id. Zero means
// uncategorized.
type UrlCategorizer interface {
	Categorize(host string) uint8
}

// Options configures an Enforcer. Client, Prefs, and Cipher are
// required.
type Options struct {
	Client NetworkClient
	Prefs  prefstore.Store
	Cipher keychain.Cipher

	// Categorizer resolves URL hosts for TrackURL. Optional.
	Categorizer UrlCategorizer

	// ParentPublicKey verifies grant tokens. Without it ApplyQRToken
	// rejects everything.
	ParentPublicKey []byte

	// VoiceKey is the shared secret voice approvals are derived from.
	VoiceKey []byte

	// DeviceTimezone is the device's IANA zone, for travel detection.
	// Empty means the home timezone (no travel).
	DeviceTimezone string

	Clock  clock.Clock
	Logger *slog.Logger
}

type lockout struct {
	failures    int
	repeats     int
	lockedUntil time.Time
}

// Enforcer wires the engine's components together behind one surface.
type Enforcer struct {
	log   *slog.Logger
	clock clock.Clock

	client      NetworkClient
	categorizer UrlCategorizer
	prefs       prefstore.Store
	creds       *credstore.Store
	cache       *offlinecache.Cache
	deficit     *deficit.Tracker
	replay      *replay.Ledger
	engine      *decision.Engine
	session     *pairing.Session

	parentPub []byte
	voiceKey  []byte
	deviceTZ  string

	mu            sync.Mutex
	observers     []Observer
	currentChild  *Child
	lockouts      map[uint64]*lockout
	outstanding   []*voicecode.Request
	extensionSeq  int64
	lastBlocked   bool
	lastReason    string
	lastRemaining int64
	haveLast      bool
	enabled       bool
	invalidated   bool
	paused        bool
	checksCancel  context.CancelFunc
	resume        chan struct{}
}

// New builds an enforcer and restores its persisted state. The
// periodic check loop starts automatically when the device is paired
// and enforcement is enabled.
func New(opts Options) (*Enforcer, error) {
	if opts.Client == nil || opts.Prefs == nil || opts.Cipher == nil {
		return nil, fmt.Errorf("%w: client, prefs, and cipher are required", ErrInvalidArgument)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cache := offlinecache.New(clk)
	tracker := deficit.New()
	e := &Enforcer{
		log:         logger,
		clock:       clk,
		client:      opts.Client,
		categorizer: opts.Categorizer,
		prefs:       opts.Prefs,
		creds:       credstore.New(opts.Prefs, opts.Cipher, clk),
		cache:       cache,
		deficit:     tracker,
		replay:      replay.New(),
		engine:      decision.New(cache, tracker, clk),
		parentPub:   append([]byte(nil), opts.ParentPublicKey...),
		voiceKey:    append([]byte(nil), opts.VoiceKey...),
		deviceTZ:    opts.DeviceTimezone,
		lockouts:    make(map[uint64]*lockout),
		resume:      make(chan struct{}, 1),
	}

	e.session = pairing.NewSession(opts.Client, clk, logger)
	e.session.OnCompleted(e.completePairing)

	e.restore()
	if e.enabled && e.IsPaired() {
		e.startChecks()
	}
	return e, nil
}

// restore loads persisted state. Individual failures are logged and
// skipped; a damaged ledger must not brick enforcement.
func (e *Enforcer) restore() {
	if raw, ok := e.prefs.GetString(prefstore.KeyOfflineCache); ok && raw != "" {
		if err := e.cache.UpdateFromJSON([]byte(raw)); err != nil {
			e.log.Warn("discarding persisted offline cache", "error", err)
		}
	}
	if raw, ok := e.prefs.GetString(prefstore.KeyDeficitPool); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), e.deficit); err != nil {
			e.log.Warn("discarding persisted deficit pool", "error", err)
		}
	}
	if raw, ok := e.prefs.GetString(prefstore.KeyReplayLedger); ok && raw != "" {
		data, err := base64.StdEncoding.DecodeString(raw)
		if err == nil {
			err = e.replay.Restore(data)
		}
		if err != nil {
			e.log.Warn("discarding persisted replay ledger", "error", err)
		}
	}

	e.refreshTravelMode()

	enabled, ok := e.prefs.GetBool(prefstore.KeyEnabled)
	e.enabled = enabled || !ok

	if raw, ok := e.prefs.GetString(prefstore.KeyChildID); ok && raw != "" {
		var id uint64
		if _, err := fmt.Sscanf(raw, "%d", &id); err == nil {
			for _, child := range e.Children() {
				if child.ID == id {
					selected := child
					e.currentChild = &selected
					break
				}
			}
		}
	}
}

// refreshTravelMode rebuilds the decision engine's travel adjustment
// from the persisted home timezone and the configured device zone.
func (e *Enforcer) refreshTravelMode() {
	home, _ := e.prefs.GetString(prefstore.KeyHomeTimezone)
	if home == "" {
		home = e.cache.Timezone()
	}
	device := e.deviceTZ
	if device == "" {
		device = home
	}
	if home == "" {
		e.engine.SetTravelMode(nil)
		return
	}
	e.engine.SetTravelMode(travel.New(home, device))
}

// persist writes the mutable ledgers back to preferences. Called
// after every state-changing operation. Dead replay entries are swept
// first so the snapshot never carries them.
func (e *Enforcer) persist() {
	e.sweepReplay()
	if e.cache.Loaded() {
		if data, err := json.Marshal(e.cache); err == nil {
			if err := e.prefs.SetString(prefstore.KeyOfflineCache, string(data)); err != nil {
				e.log.Warn("persisting offline cache failed", "error", err)
			}
		}
	}
	if data, err := json.Marshal(e.deficit); err == nil {
		if err := e.prefs.SetString(prefstore.KeyDeficitPool, string(data)); err != nil {
			e.log.Warn("persisting deficit pool failed", "error", err)
		}
	}
	if data, err := e.replay.Snapshot(); err == nil {
		encoded := base64.StdEncoding.EncodeToString(data)
		if err := e.prefs.SetString(prefstore.KeyReplayLedger, encoded); err != nil {
			e.log.Warn("persisting replay ledger failed", "error", err)
		}
	}
}

// sweepReplay drops replay entries whose window has passed: voice
// nonces older than the drift tolerance, grant nonces past token
// expiry plus grace. Returns the number removed.
func (e *Enforcer) sweepReplay() int {
	now := e.clock.Now()
	return e.replay.Cleanup(crypto.TimeBucket(now, voicecode.BucketSeconds), now)
}

// IsPaired reports whether usable credentials are stored.
func (e *Enforcer) IsPaired() bool {
	e.mu.Lock()
	invalidated := e.invalidated
	e.mu.Unlock()
	return !invalidated && e.creds.Has()
}

// Enabled reports whether enforcement is switched on.
func (e *Enforcer) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// SetEnabled toggles enforcement and the periodic check loop.
func (e *Enforcer) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
	if err := e.prefs.SetBool(prefstore.KeyEnabled, enabled); err != nil {
		e.log.Warn("persisting enabled flag failed", "error", err)
	}
	if enabled && e.IsPaired() {
		e.startChecks()
	} else {
		e.stopChecks()
	}
}

// Close stops background work and flushes state. The enforcer must
// not be used afterwards.
func (e *Enforcer) Close() {
	e.stopChecks()
	e.session.Cancel(context.Background())
	e.persist()
}

// invalidate handles a remote credential release: clear credentials,
// notify once, stop periodic checks. Idempotent.
func (e *Enforcer) invalidate() {
	e.mu.Lock()
	if e.invalidated {
		e.mu.Unlock()
		return
	}
	e.invalidated = true
	observers := e.observerSnapshotLocked()
	e.mu.Unlock()

	if err := e.creds.Invalidate(); err != nil {
		e.log.Warn("clearing credentials failed", "error", err)
	}
	e.log.Info("credentials invalidated by service")
	for _, o := range observers {
		o.CredentialsInvalidated()
	}
	for _, o := range observers {
		o.PairedStateChanged(false)
	}
	e.stopChecks()
}
