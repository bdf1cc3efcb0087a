// Copyright 2026 The Allow2 Engine Authors
// SPDX-License-Identifier: Apache-2.0

package enforcer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/allow2/engine/lib/clock"
	"github.com/allow2/engine/lib/credstore"
	"github.com/allow2/engine/lib/crypto"
	"github.com/allow2/engine/lib/decision"
	"github.com/allow2/engine/lib/grant"
	"github.com/allow2/engine/lib/keychain"
	"github.com/allow2/engine/lib/offlinecache"
	"github.com/allow2/engine/lib/pairing"
	"github.com/allow2/engine/lib/prefstore"
	"github.com/allow2/engine/lib/testutil"
	"github.com/allow2/engine/lib/voicecode"
)

var enforcerNow = time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)

var voiceKey = []byte("0123456789abcdef")

// fakeService scripts the remote side: pairing, checks, and time
// requests.
type fakeService struct {
	mu           sync.Mutex
	pairInit     pairing.Init
	pairStatuses []pairing.Status
	checkResp    CheckResponse
	checkErr     error
	checks       int
	checkCalls   chan struct{}
	requests     int
	cancelled    []string
}

func newFakeService() *fakeService {
	return &fakeService{checkCalls: make(chan struct{}, 64)}
}

func (f *fakeService) InitQRPairing(_ context.Context, _, _ string) (pairing.Init, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairInit, nil
}

func (f *fakeService) InitPINPairing(_ context.Context, _, _ string) (pairing.Init, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairInit, nil
}

func (f *fakeService) CheckPairingStatus(_ context.Context, _ string) (pairing.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pairStatuses) == 0 {
		return pairing.Status{}, nil
	}
	status := f.pairStatuses[0]
	if len(f.pairStatuses) > 1 {
		f.pairStatuses = f.pairStatuses[1:]
	}
	return status, nil
}

func (f *fakeService) CancelPairing(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	return nil
}

func (f *fakeService) Check(_ context.Context, _ credstore.Credentials, _ uint64,
	_ []uint8, _ bool) (CheckResponse, error) {
	f.mu.Lock()
	resp, err := f.checkResp, f.checkErr
	f.checks++
	f.mu.Unlock()
	select {
	case f.checkCalls <- struct{}{}:
	default:
	}
	return resp, err
}

func (f *fakeService) RequestTime(_ context.Context, _ credstore.Credentials, _ uint64,
	_ uint8, _ int, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return "req-1", nil
}

type blockingEvent struct {
	blocked bool
	reason  string
}

// recorder captures the observer stream.
type recorder struct {
	mu           sync.Mutex
	paired       []bool
	blocking     []blockingEvent
	remaining    []int64
	warnings     []int
	childChanges []*Child
	invalidated  int
}

func (r *recorder) PairedStateChanged(paired bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paired = append(r.paired, paired)
}

func (r *recorder) BlockingStateChanged(blocked bool, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocking = append(r.blocking, blockingEvent{blocked, reason})
}

func (r *recorder) RemainingTimeUpdated(seconds int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remaining = append(r.remaining, seconds)
}

func (r *recorder) WarningThresholdReached(minutes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, minutes)
}

func (r *recorder) CurrentChildChanged(child *Child) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.childChanges = append(r.childChanges, child)
}

func (r *recorder) CredentialsInvalidated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated++
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		paired:       append([]bool(nil), r.paired...),
		blocking:     append([]blockingEvent(nil), r.blocking...),
		remaining:    append([]int64(nil), r.remaining...),
		warnings:     append([]int(nil), r.warnings...),
		childChanges: append([]*Child(nil), r.childChanges...),
		invalidated:  r.invalidated,
	}
}

// quotaEnvelope is a snapshot for child 1001 with activity 1 carrying
// quotaMinutes of quota across all 48 slots.
func quotaEnvelope(t *testing.T, quotaMinutes int) string {
	t.Helper()
	slots := make([]bool, offlinecache.SlotsPerDay)
	for i := range slots {
		slots[i] = true
	}
	envelope := map[string]any{
		"generatedAt":   enforcerNow.Format(time.RFC3339),
		"validUntil":    enforcerNow.Add(12 * time.Hour).Format(time.RFC3339),
		"cachedChildId": 1001,
		"timezone":      "UTC",
		"days": []map[string]any{{
			"date":        "2026-05-02",
			"dayTypeId":   2,
			"dayTypeName": "Weekend",
			"activities": map[string]any{
				"1": map[string]any{
					"id": 1, "name": "internet", "quotaMinutes": quotaMinutes,
					"timeBlocks": slots,
				},
				"3": map[string]any{
					"id": 3, "name": "gaming", "quotaMinutes": 0,
					"timeBlocks": slots,
				},
			},
		}},
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(data)
}

type fixture struct {
	enforcer *Enforcer
	service  *fakeService
	clock    *clock.FakeClock
	events   *recorder
	prefs    *prefstore.Memory
	parent   *crypto.KeyPair
}

// pairedFixture builds an enforcer already paired with one cached
// child (Emma, pin 1234) and a valid 20-minute-quota snapshot.
// Periodic checks start disabled so tests drive every check.
func pairedFixture(t *testing.T, quotaMinutes int) *fixture {
	t.Helper()

	clk := clock.Fake(enforcerNow)
	prefs := prefstore.NewMemory()
	cipher, err := keychain.NewStaticCipher(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewStaticCipher: %v", err)
	}

	creds := credstore.New(prefs, cipher, clk)
	if err := creds.Save(credstore.Credentials{UserID: "u1", PairID: "p1", PairToken: "tok"}); err != nil {
		t.Fatalf("seed credentials: %v", err)
	}

	children := []Child{{
		ID: 1001, Name: "Emma",
		PinHash: crypto.HashPIN("1234", "salt_emma"), PinSalt: "salt_emma",
	}}
	data, err := json.Marshal(children)
	if err != nil {
		t.Fatalf("marshal children: %v", err)
	}
	if err := prefs.SetString(prefstore.KeyCachedChildren, string(data)); err != nil {
		t.Fatalf("seed children: %v", err)
	}
	if err := prefs.SetString(prefstore.KeyOfflineCache, quotaEnvelope(t, quotaMinutes)); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if err := prefs.SetBool(prefstore.KeyEnabled, false); err != nil {
		t.Fatalf("seed enabled: %v", err)
	}

	parent, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	t.Cleanup(func() { parent.Close() })

	service := newFakeService()
	enforcer, err := New(Options{
		Client:          service,
		Prefs:           prefs,
		Cipher:          cipher,
		ParentPublicKey: parent.Public,
		VoiceKey:        voiceKey,
		Clock:           clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(enforcer.Close)

	events := &recorder{}
	enforcer.AddObserver(events)
	return &fixture{
		enforcer: enforcer,
		service:  service,
		clock:    clk,
		events:   events,
		prefs:    prefs,
		parent:   parent,
	}
}

func TestSelectChildCorrectPIN(t *testing.T) {
	f := pairedFixture(t, 20)

	if err := f.enforcer.SelectChild(1001, "1234"); err != nil {
		t.Fatalf("SelectChild: %v", err)
	}
	child, ok := f.enforcer.CurrentChild()
	if !ok || child.ID != 1001 || child.Name != "Emma" {
		t.Errorf("CurrentChild = %+v, %t", child, ok)
	}

	events := f.events.snapshot()
	if len(events.childChanges) != 1 || events.childChanges[0] == nil ||
		events.childChanges[0].Name != "Emma" {
		t.Errorf("childChanges = %+v", events.childChanges)
	}
}

func TestSelectChildLockout(t *testing.T) {
	f := pairedFixture(t, 20)

	for i := 0; i < lockoutThreshold; i++ {
		err := f.enforcer.SelectChild(1001, "0000")
		if err == nil {
			t.Fatalf("attempt %d succeeded with wrong pin", i+1)
		}
		wantLocked := i == lockoutThreshold-1
		if gotLocked := errors.Is(err, ErrLocked); gotLocked != wantLocked {
			t.Fatalf("attempt %d: err = %v, locked = %t", i+1, err, gotLocked)
		}
	}

	// Correct PIN is refused while locked out.
	if err := f.enforcer.SelectChild(1001, "1234"); !errors.Is(err, ErrLocked) {
		t.Fatalf("SelectChild during lockout: %v, want ErrLocked", err)
	}

	f.clock.Advance(5 * time.Minute)
	if err := f.enforcer.SelectChild(1001, "1234"); err != nil {
		t.Fatalf("SelectChild after lockout: %v", err)
	}
	if _, ok := f.enforcer.CurrentChild(); !ok {
		t.Error("no current child after successful selection")
	}
}

func TestClearCurrentChild(t *testing.T) {
	f := pairedFixture(t, 20)

	if err := f.enforcer.SelectChild(1001, "1234"); err != nil {
		t.Fatalf("SelectChild: %v", err)
	}
	f.enforcer.ClearCurrentChild()
	if _, ok := f.enforcer.CurrentChild(); ok {
		t.Error("child still selected after clear")
	}

	events := f.events.snapshot()
	if len(events.childChanges) != 2 || events.childChanges[1] != nil {
		t.Errorf("childChanges = %+v", events.childChanges)
	}
}

func TestVoiceCodeRoundTrip(t *testing.T) {
	f := pairedFixture(t, 20)

	request, err := f.enforcer.RequestMoreTime(context.Background(), 1, 30, "please")
	if err != nil {
		t.Fatalf("RequestMoreTime: %v", err)
	}
	if len(request.Code()) != voicecode.CodeLength {
		t.Fatalf("request code = %q", request.Code())
	}

	approval, err := voicecode.GenerateApprovalAt(voiceKey, []string{request.Code()}, enforcerNow)
	if err != nil {
		t.Fatalf("GenerateApprovalAt: %v", err)
	}

	granted, err := f.enforcer.ApplyVoiceCode(approval)
	if err != nil {
		t.Fatalf("ApplyVoiceCode: %v", err)
	}
	if granted != 30 {
		t.Errorf("granted = %d, want 30", granted)
	}

	// The request is consumed; the same approval no longer matches.
	if _, err := f.enforcer.ApplyVoiceCode(approval); !errors.Is(err, voicecode.ErrInvalidCode) {
		t.Fatalf("second ApplyVoiceCode: %v, want ErrInvalidCode", err)
	}
	if remaining := f.enforcer.OutstandingRequests(); len(remaining) != 0 {
		t.Errorf("outstanding = %+v", remaining)
	}
}

func TestVoiceCodeBoundedByDeficitCap(t *testing.T) {
	f := pairedFixture(t, 20)

	// Two approvals of 25 minutes each: the second hits the 30 minute
	// deficit cap and only 5 are granted. Request nonces are two
	// random digits, so draw until they are distinct.
	seen := make(map[int]bool)
	for i, want := range []int{25, 5} {
		request := freshRequest(t, f, 25, seen)
		approval, err := voicecode.GenerateApprovalAt(voiceKey, []string{request.Code()}, enforcerNow)
		if err != nil {
			t.Fatalf("GenerateApprovalAt %d: %v", i, err)
		}
		granted, err := f.enforcer.ApplyVoiceCode(approval)
		if err != nil {
			t.Fatalf("ApplyVoiceCode %d: %v", i, err)
		}
		if granted != want {
			t.Errorf("granted %d = %d, want %d", i, granted, want)
		}
	}

	// The pool is exhausted; a third grant yields nothing.
	request := freshRequest(t, f, 10, seen)
	approval, err := voicecode.GenerateApprovalAt(voiceKey, []string{request.Code()}, enforcerNow)
	if err != nil {
		t.Fatalf("GenerateApprovalAt: %v", err)
	}
	if _, err := f.enforcer.ApplyVoiceCode(approval); !errors.Is(err, ErrDeficitExceeded) {
		t.Fatalf("ApplyVoiceCode: %v, want ErrDeficitExceeded", err)
	}
}

func TestRequestMoreTimeRejectsZeroMinutes(t *testing.T) {
	f := pairedFixture(t, 20)
	if _, err := f.enforcer.RequestMoreTime(context.Background(), 1, 0, ""); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("RequestMoreTime: %v, want ErrInvalidArgument", err)
	}
}

func TestApplyQRTokenAndReplay(t *testing.T) {
	f := pairedFixture(t, 20)

	g := &grant.Grant{
		Type:       grant.TypeExtension,
		ChildID:    1001,
		ActivityID: 3,
		Minutes:    30,
		IssuedAt:   enforcerNow,
		ExpiresAt:  enforcerNow.Add(time.Hour),
		Nonce:      "n1",
	}
	token, err := grant.Generate(g, f.parent.Seed.Bytes(), "parent-key-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	minutes, err := f.enforcer.ApplyQRToken(token)
	if err != nil {
		t.Fatalf("ApplyQRToken: %v", err)
	}
	if minutes != 30 {
		t.Errorf("minutes = %d, want 30", minutes)
	}

	if _, err := f.enforcer.ApplyQRToken(token); !errors.Is(err, ErrReplay) {
		t.Fatalf("second ApplyQRToken: %v, want ErrReplay", err)
	}
}

func TestReconciliationClearsDeficit(t *testing.T) {
	f := pairedFixture(t, 20)

	// Exhaust the deficit pool with voice approvals.
	seen := make(map[int]bool)
	for i := 0; i < 2; i++ {
		request := freshRequest(t, f, 25, seen)
		approval, err := voicecode.GenerateApprovalAt(voiceKey, []string{request.Code()}, enforcerNow)
		if err != nil {
			t.Fatalf("GenerateApprovalAt %d: %v", i, err)
		}
		if _, err := f.enforcer.ApplyVoiceCode(approval); err != nil {
			t.Fatalf("ApplyVoiceCode %d: %v", i, err)
		}
	}
	request := freshRequest(t, f, 10, seen)
	approval, err := voicecode.GenerateApprovalAt(voiceKey, []string{request.Code()}, enforcerNow)
	if err != nil {
		t.Fatalf("GenerateApprovalAt: %v", err)
	}
	if _, err := f.enforcer.ApplyVoiceCode(approval); !errors.Is(err, ErrDeficitExceeded) {
		t.Fatalf("ApplyVoiceCode: %v, want ErrDeficitExceeded", err)
	}

	// The service answers with a fresh envelope. Installing it settles
	// the borrowed time.
	f.service.mu.Lock()
	f.service.checkResp = CheckResponse{OfflineCache: []byte(quotaEnvelope(t, 20))}
	f.service.mu.Unlock()
	if _, err := f.enforcer.CheckAllowance(context.Background(), 1); err != nil {
		t.Fatalf("CheckAllowance: %v", err)
	}
	if got := f.enforcer.deficit.Get(1001); got != 0 {
		t.Errorf("deficit after reconciliation = %d, want 0", got)
	}

	// Borrowing works again.
	request = freshRequest(t, f, 10, seen)
	approval, err = voicecode.GenerateApprovalAt(voiceKey, []string{request.Code()}, enforcerNow)
	if err != nil {
		t.Fatalf("GenerateApprovalAt: %v", err)
	}
	granted, err := f.enforcer.ApplyVoiceCode(approval)
	if err != nil {
		t.Fatalf("ApplyVoiceCode after reconciliation: %v", err)
	}
	if granted != 10 {
		t.Errorf("granted = %d, want 10", granted)
	}
}

func TestPersistSweepsExpiredGrantNonces(t *testing.T) {
	f := pairedFixture(t, 20)

	g := &grant.Grant{
		Type:       grant.TypeExtension,
		ChildID:    1001,
		ActivityID: 3,
		Minutes:    15,
		IssuedAt:   enforcerNow,
		ExpiresAt:  enforcerNow.Add(time.Hour),
		Nonce:      "n-sweep",
	}
	token, err := grant.Generate(g, f.parent.Seed.Bytes(), "parent-key-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := f.enforcer.ApplyQRToken(token); err != nil {
		t.Fatalf("ApplyQRToken: %v", err)
	}
	if f.enforcer.replay.Len() == 0 {
		t.Fatal("ledger empty after consuming the grant")
	}

	// Within the retention window a persist keeps the nonce.
	f.enforcer.LogUsage(3, 1)
	if f.enforcer.replay.Len() == 0 {
		t.Fatal("nonce swept before expiry")
	}

	// Past token expiry plus the retention grace it is dropped.
	f.clock.Advance(2*time.Hour + time.Minute)
	f.enforcer.LogUsage(3, 1)
	if got := f.enforcer.replay.Len(); got != 0 {
		t.Errorf("ledger entries after sweep = %d, want 0", got)
	}
}

func TestApplyQRTokenWrongChild(t *testing.T) {
	f := pairedFixture(t, 20)

	g := &grant.Grant{
		Type:       grant.TypeExtension,
		ChildID:    2002,
		ActivityID: 3,
		Minutes:    30,
		IssuedAt:   enforcerNow,
		ExpiresAt:  enforcerNow.Add(time.Hour),
		Nonce:      "n2",
	}
	token, err := grant.Generate(g, f.parent.Seed.Bytes(), "parent-key-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := f.enforcer.ApplyQRToken(token); !errors.Is(err, grant.ErrInvalidToken) {
		t.Fatalf("ApplyQRToken: %v, want ErrInvalidToken", err)
	}
}

func TestApplyQRTokenRejectsZeroMinutes(t *testing.T) {
	f := pairedFixture(t, 20)

	g := &grant.Grant{
		Type:       grant.TypeExtension,
		ChildID:    1001,
		ActivityID: 3,
		Minutes:    0,
		IssuedAt:   enforcerNow,
		ExpiresAt:  enforcerNow.Add(time.Hour),
		Nonce:      "n3",
	}
	token, err := grant.Generate(g, f.parent.Seed.Bytes(), "parent-key-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if _, err := f.enforcer.ApplyQRToken(token); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("ApplyQRToken: %v, want ErrInvalidArgument", err)
	}
}

func TestQuotaCountdownFiresWarningsAndBlock(t *testing.T) {
	f := pairedFixture(t, 20)
	ctx := context.Background()

	if _, err := f.enforcer.CheckAllowance(ctx, 1); err != nil {
		t.Fatalf("initial CheckAllowance: %v", err)
	}

	for i := 0; i < 20; i++ {
		f.enforcer.LogUsage(1, 1)
		d, err := f.enforcer.CheckAllowance(ctx, 1)
		if err != nil {
			t.Fatalf("CheckAllowance %d: %v", i+1, err)
		}
		if i < 19 && !d.Allowed {
			t.Fatalf("blocked after %d minutes", i+1)
		}
		if i == 19 {
			if d.Allowed || d.Reason != decision.ReasonQuotaExhausted {
				t.Fatalf("final decision = %+v", d)
			}
		}
	}

	events := f.events.snapshot()
	if len(events.warnings) != 3 ||
		events.warnings[0] != 15 || events.warnings[1] != 5 || events.warnings[2] != 1 {
		t.Errorf("warnings = %v, want [15 5 1]", events.warnings)
	}

	var blocks []blockingEvent
	for _, b := range events.blocking {
		if b.blocked {
			blocks = append(blocks, b)
		}
	}
	if len(blocks) != 1 || blocks[0].reason != string(decision.ReasonQuotaExhausted) {
		t.Errorf("blocking events = %+v", events.blocking)
	}
	if !f.enforcer.IsBlocked() || f.enforcer.BlockReason() != string(decision.ReasonQuotaExhausted) {
		t.Errorf("IsBlocked = %t, BlockReason = %q", f.enforcer.IsBlocked(), f.enforcer.BlockReason())
	}
}

func TestCredentialsInvalidatedOn401(t *testing.T) {
	f := pairedFixture(t, 20)
	f.service.mu.Lock()
	f.service.checkErr = &StatusError{Code: 401}
	f.service.mu.Unlock()

	if _, err := f.enforcer.CheckAllowance(context.Background(), 1); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("CheckAllowance: %v, want ErrNotPaired", err)
	}
	if f.enforcer.IsPaired() {
		t.Error("IsPaired after 401")
	}

	events := f.events.snapshot()
	if events.invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", events.invalidated)
	}
	if len(events.paired) != 1 || events.paired[0] {
		t.Errorf("paired events = %v", events.paired)
	}

	// Terminal and idempotent.
	if _, err := f.enforcer.CheckAllowance(context.Background(), 1); !errors.Is(err, ErrNotPaired) {
		t.Fatalf("second CheckAllowance: %v, want ErrNotPaired", err)
	}
	if events := f.events.snapshot(); events.invalidated != 1 {
		t.Errorf("invalidated after second check = %d", events.invalidated)
	}
}

func TestPairingCompletionStoresCredentials(t *testing.T) {
	clk := clock.Fake(enforcerNow)
	prefs := prefstore.NewMemory()
	cipher, err := keychain.NewStaticCipher(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewStaticCipher: %v", err)
	}
	service := newFakeService()
	service.pairInit = pairing.Init{SessionID: "sess-1", PINCode: "482913", ExpiresIn: 5 * time.Minute}
	service.pairStatuses = []pairing.Status{{
		Completed: true, Success: true,
		UserID: "u1", PairID: "p1", PairToken: "tok",
		Children: []pairing.Child{{ID: 1001, Name: "Emma", PinHash: "h", PinSalt: "s"}},
	}}

	enf, err := New(Options{Client: service, Prefs: prefs, Cipher: cipher, Clock: clk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(enf.Close)

	pairedEvents := make(chan bool, 4)
	enf.AddObserver(&ObserverFuncs{
		OnPairedStateChanged: func(paired bool) { pairedEvents <- paired },
	})

	if enf.IsPaired() {
		t.Fatal("paired before pairing")
	}
	display, err := enf.InitPINPairing(context.Background(), "Family Laptop")
	if err != nil {
		t.Fatalf("InitPINPairing: %v", err)
	}
	if display.PINCode != "482913" {
		t.Errorf("display = %+v", display)
	}

	clk.Advance(pairing.PollInterval)
	if paired := testutil.RequireReceive(t, pairedEvents, 2*time.Second, "paired event"); !paired {
		t.Fatal("paired event = false")
	}
	if !enf.IsPaired() {
		t.Error("IsPaired after completion")
	}
	if children := enf.Children(); len(children) != 1 || children[0].Name != "Emma" {
		t.Errorf("children = %+v", children)
	}
}

// freshRequest draws voice requests until the nonce is one the test
// has not used yet, keeping replay checks deterministic.
func freshRequest(t *testing.T, f *fixture, minutes int, seen map[int]bool) *voicecode.Request {
	t.Helper()
	for i := 0; i < 500; i++ {
		request, err := f.enforcer.RequestMoreTime(context.Background(), 1, minutes, "")
		if err != nil {
			t.Fatalf("RequestMoreTime: %v", err)
		}
		if !seen[request.Nonce] {
			seen[request.Nonce] = true
			return request
		}
	}
	t.Fatal("could not draw a fresh nonce")
	return nil
}

type staticCategorizer map[string]uint8

func (c staticCategorizer) Categorize(host string) uint8 { return c[host] }

func TestTrackURL(t *testing.T) {
	f := pairedFixture(t, 20)
	f.enforcer.categorizer = staticCategorizer{"games.example.com": 3}

	d, err := f.enforcer.TrackURL(context.Background(), "https://games.example.com/play")
	if err != nil {
		t.Fatalf("TrackURL: %v", err)
	}
	if !d.Allowed {
		t.Errorf("decision = %+v", d)
	}

	// Unknown hosts fall back to the default activity.
	if _, err := f.enforcer.TrackURL(context.Background(), "other.example.com"); err != nil {
		t.Fatalf("TrackURL fallback: %v", err)
	}
}

func TestResumeForcesImmediateCheck(t *testing.T) {
	f := pairedFixture(t, 20)
	f.enforcer.SetEnabled(true)

	f.enforcer.Pause()
	f.enforcer.Resume()
	testutil.RequireReceive(t, f.service.checkCalls, 2*time.Second, "check after resume")
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	f := pairedFixture(t, 20)

	request, err := f.enforcer.RequestMoreTime(context.Background(), 1, 10, "")
	if err != nil {
		t.Fatalf("RequestMoreTime: %v", err)
	}
	approval, err := voicecode.GenerateApprovalAt(voiceKey, []string{request.Code()}, enforcerNow)
	if err != nil {
		t.Fatalf("GenerateApprovalAt: %v", err)
	}
	if _, err := f.enforcer.ApplyVoiceCode(approval); err != nil {
		t.Fatalf("ApplyVoiceCode: %v", err)
	}
	f.enforcer.Close()

	cipher, err := keychain.NewStaticCipher(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewStaticCipher: %v", err)
	}
	reborn, err := New(Options{
		Client:   newFakeService(),
		Prefs:    f.prefs,
		Cipher:   cipher,
		VoiceKey: voiceKey,
		Clock:    f.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(reborn.Close)

	// The deficit pool survived: only 20 of the 30-minute cap remain.
	granted := reborn.deficit.Get(1001)
	if granted != 10*60 {
		t.Errorf("restored deficit = %d seconds, want 600", granted)
	}
	if !reborn.cache.Loaded() {
		t.Error("cache not restored")
	}
}
