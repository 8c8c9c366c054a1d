package bootstrap

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/pkg/constants"
	"github.com/psds-microservice/session-reservation-service/pkg/events"
)

const (
	testSessionID = "11111111-1111-1111-1111-111111111111"
	testApptID    = "appt-1"
	testChannel   = "sala_appt-1"
	testAppID     = "app-id"
)

type stubAPI struct {
	mu sync.Mutex

	byID      *Session
	byIDErr   error
	byChannel *Session
	byChErr   error

	// tokenErrs are returned in order; after they run out tokenResp is returned.
	tokenErrs  []error
	tokenResp  *TokenResponse
	tokenBlock bool // block until the attempt context expires

	byIDCalls, byChCalls, tokenCalls, joinCalls int
	joinedRole                                  Role
}

func (s *stubAPI) SessionByID(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byIDCalls++
	if s.byIDErr != nil {
		return nil, s.byIDErr
	}
	if s.byID == nil {
		return nil, ErrNotFound
	}
	cp := *s.byID
	return &cp, nil
}

func (s *stubAPI) SessionByChannel(ctx context.Context, channel string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byChCalls++
	if s.byChErr != nil {
		return nil, s.byChErr
	}
	if s.byChannel == nil {
		return nil, ErrNotFound
	}
	cp := *s.byChannel
	return &cp, nil
}

func (s *stubAPI) TokenByChannel(ctx context.Context, channel string) (*TokenResponse, error) {
	s.mu.Lock()
	s.tokenCalls++
	block := s.tokenBlock
	var err error
	if len(s.tokenErrs) > 0 {
		err, s.tokenErrs = s.tokenErrs[0], s.tokenErrs[1:]
	}
	resp := s.tokenResp
	s.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, errs.Wrap(errs.ErrTransient, "", ctx.Err())
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errs.New(errs.ErrTransient, "", "no token")
	}
	cp := *resp
	return &cp, nil
}

func (s *stubAPI) Join(ctx context.Context, sessionID string, role Role) (*JoinResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joinCalls++
	s.joinedRole = role
	return &JoinResponse{SessionID: sessionID, Role: role}, nil
}

func (s *stubAPI) counts() (byID, byCh, token, join int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byIDCalls, s.byChCalls, s.tokenCalls, s.joinCalls
}

type stubSubscriber struct {
	mu           sync.Mutex
	fn           func(events.Event)
	appointment  string
	unsubscribed int
}

func (s *stubSubscriber) Subscribe(ctx context.Context, appointmentID string, fn func(events.Event)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
	s.appointment = appointmentID
	return func() {
		s.mu.Lock()
		s.unsubscribed++
		s.mu.Unlock()
	}, nil
}

func (s *stubSubscriber) emit(ev events.Event) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *stubSubscriber) unsubscribes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed
}

type recordingNavigator struct {
	mu    sync.Mutex
	exits []Exit
}

func (n *recordingNavigator) Leave(e Exit) {
	n.mu.Lock()
	n.exits = append(n.exits, e)
	n.mu.Unlock()
}

func (n *recordingNavigator) all() []Exit {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Exit(nil), n.exits...)
}

func fullSession() *Session {
	return &Session{
		ID:                testSessionID,
		AppointmentID:     testApptID,
		Channel:           testChannel,
		Status:            model.StatusReserved,
		PatientID:         "u-patient",
		PsychologistID:    "u-psy",
		PatientToken:      "tok-patient",
		PatientUID:        101,
		PsychologistToken: "tok-psy",
		PsychologistUID:   202,
		AppointmentDate:   "2026-10-20",
		AppointmentTime:   "14:00",
		AppointmentStatus: model.StatusReserved,
		ScheduledAt:       "2026-10-20T14:00:00Z",
		Joinable:          true,
	}
}

type fixture struct {
	api *stubAPI
	sub *stubSubscriber
	nav *recordingNavigator
	m   *Machine
}

func newFixture(t *testing.T, api *stubAPI, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{api: api, sub: &stubSubscriber{}, nav: &recordingNavigator{}}
	cfg := Config{
		Role:                RolePatient,
		SessionID:           testSessionID,
		Channel:             testChannel,
		AppID:               testAppID,
		API:                 api,
		Subscriber:          f.sub,
		Navigator:           f.nav,
		TokenAttemptTimeout: 50 * time.Millisecond,
		ResolveRetryDelay:   5 * time.Millisecond,
		DegradedAfter:       80 * time.Millisecond,
		RefreshInterval:     10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	f.m = m
	return f
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{Role: "admin", SessionID: "x", API: &stubAPI{}}); !errors.Is(err, errs.ErrInvalidRole) {
		t.Errorf("bad role: %v", err)
	}
	if _, err := New(Config{Role: RolePatient, SessionID: "x"}); err == nil {
		t.Error("missing API must fail")
	}
	if _, err := New(Config{Role: RolePatient, API: &stubAPI{}}); err == nil {
		t.Error("missing session id and channel must fail")
	}
	m, err := New(Config{Role: "psychologist", SessionID: "x", API: &stubAPI{}})
	if err != nil {
		t.Fatal(err)
	}
	if m.cfg.Role != RolePsychologist {
		t.Errorf("role not normalised: %q", m.cfg.Role)
	}
	if m.State() != StateResolving {
		t.Errorf("initial state %v", m.State())
	}
}

func TestRun_ReadyWithoutProvisioning(t *testing.T) {
	f := newFixture(t, &stubAPI{byID: fullSession()}, nil)

	res := f.m.Run(context.Background())
	if res.State != StateReady || res.Err != nil {
		t.Fatalf("got %v err=%v", res.State, res.Err)
	}
	if res.Token != "tok-patient" || res.UID != 101 || res.Channel != testChannel || res.AppID != testAppID {
		t.Errorf("result %+v", res)
	}
	_, byCh, token, join := f.api.counts()
	if token != 0 {
		t.Errorf("token calls = %d, want 0", token)
	}
	if byCh != 0 {
		t.Errorf("complete record must not trigger channel lookup, got %d", byCh)
	}
	if join != 1 || f.api.joinedRole != RolePatient {
		t.Errorf("join calls = %d role=%q", join, f.api.joinedRole)
	}
	if f.sub.appointment != testApptID {
		t.Errorf("subscribed to %q", f.sub.appointment)
	}
	if f.m.State() != StateReady {
		t.Errorf("state %v", f.m.State())
	}
}

func TestRun_SkipsJoinWhenAlreadyJoined(t *testing.T) {
	s := fullSession()
	at := time.Now().Add(-time.Minute)
	s.PatientJoinedAt = &at
	f := newFixture(t, &stubAPI{byID: s}, nil)

	if res := f.m.Run(context.Background()); res.State != StateReady {
		t.Fatalf("state %v", res.State)
	}
	if _, _, _, join := f.api.counts(); join != 0 {
		t.Errorf("join calls = %d", join)
	}
}

func TestRun_MergesChannelRecord(t *testing.T) {
	byID := fullSession()
	byID.PatientToken, byID.PatientUID = "", 0
	byID.PsychologistID = ""
	byCh := fullSession()
	byCh.PatientToken, byCh.PatientUID = "tok-fresh", 555
	f := newFixture(t, &stubAPI{byID: byID, byChannel: byCh}, nil)

	res := f.m.Run(context.Background())
	if res.State != StateReady {
		t.Fatalf("state %v err=%v", res.State, res.Err)
	}
	if res.Token != "tok-fresh" || res.UID != 555 {
		t.Errorf("channel fields must win: %+v", res)
	}
	if res.Session.PsychologistID != "u-psy" {
		t.Errorf("counterpart not merged")
	}
	if _, _, token, _ := f.api.counts(); token != 0 {
		t.Errorf("token calls = %d", token)
	}
}

func TestRun_FetchesMissingToken(t *testing.T) {
	s := fullSession()
	s.PatientToken, s.PatientUID = "", 0
	api := &stubAPI{byID: s, tokenResp: &TokenResponse{Token: "tok-new", UID: 777, Channel: testChannel, Role: RolePatient}}
	f := newFixture(t, api, nil)

	res := f.m.Run(context.Background())
	if res.State != StateReady || res.Token != "tok-new" || res.UID != 777 {
		t.Fatalf("got %+v", res)
	}
	if _, _, token, _ := api.counts(); token != 1 {
		t.Errorf("token calls = %d", token)
	}
}

func TestRun_FallbackUIDWhenProviderOmitsIt(t *testing.T) {
	s := fullSession()
	s.PatientToken, s.PatientUID = "", 0
	api := &stubAPI{byID: s, tokenResp: &TokenResponse{Token: "tok-new"}}
	f := newFixture(t, api, nil)

	res := f.m.Run(context.Background())
	if res.State != StateReady {
		t.Fatalf("state %v err=%v", res.State, res.Err)
	}
	if res.UID != FallbackUID(testChannel) {
		t.Errorf("uid %d, want %d", res.UID, FallbackUID(testChannel))
	}
}

func TestRun_PermissionDeniedFailsImmediately(t *testing.T) {
	s := fullSession()
	s.PatientToken, s.PatientUID = "", 0
	api := &stubAPI{byID: s, tokenErrs: []error{errs.New(errs.ErrPermissionDenied, errs.CodeNotParticipant, "not a participant")}}
	f := newFixture(t, api, nil)

	res := f.m.Run(context.Background())
	if res.State != StateFailed || !errors.Is(res.Err, ErrPermissionDenied) {
		t.Fatalf("got %v err=%v", res.State, res.Err)
	}
	if res.Retryable {
		t.Error("permission failure must not be retryable")
	}
	if _, _, token, join := api.counts(); token != 1 || join != 0 {
		t.Errorf("token=%d join=%d", token, join)
	}
	exits := f.nav.all()
	if len(exits) != 1 || exits[0].Reason != ExitPermissionDenied || exits[0].Notice != "" {
		t.Errorf("exits %+v", exits)
	}
	if f.sub.unsubscribes() != 1 {
		t.Errorf("unsubscribes = %d", f.sub.unsubscribes())
	}
	if _, err := f.m.Retry(context.Background()); !errors.Is(err, ErrRetryUnavailable) {
		t.Errorf("retry: %v", err)
	}
}

func TestRun_TransientExhaustsAttempts(t *testing.T) {
	s := fullSession()
	s.PatientToken, s.PatientUID = "", 0
	transient := errs.New(errs.ErrTransient, errs.CodeProviderUnavailable, "provider down")
	api := &stubAPI{byID: s, tokenErrs: []error{transient, transient, transient}}
	f := newFixture(t, api, nil)

	res := f.m.Run(context.Background())
	if res.State != StateFailed || !errors.Is(res.Err, ErrTransient) {
		t.Fatalf("got %v err=%v", res.State, res.Err)
	}
	if !res.Retryable {
		t.Error("transient failure must be retryable")
	}
	if _, _, token, _ := api.counts(); token != 3 {
		t.Errorf("token calls = %d, want exactly 3", token)
	}
	if len(f.nav.all()) != 0 {
		t.Error("transient failure must not navigate")
	}

	api.mu.Lock()
	api.tokenResp = &TokenResponse{Token: "tok-retry", UID: 9}
	api.mu.Unlock()
	res, err := f.m.Retry(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateReady || res.Token != "tok-retry" {
		t.Errorf("retry result %+v", res)
	}
	if _, _, _, join := api.counts(); join != 1 {
		t.Errorf("join calls = %d", join)
	}
}

func TestRun_AttemptTimeoutCountsAsTransient(t *testing.T) {
	s := fullSession()
	s.PatientToken, s.PatientUID = "", 0
	api := &stubAPI{byID: s, tokenBlock: true}
	f := newFixture(t, api, func(c *Config) {
		c.TokenAttemptTimeout = 10 * time.Millisecond
		c.DegradedAfter = time.Second
	})

	start := time.Now()
	res := f.m.Run(context.Background())
	if res.State != StateFailed || !res.Retryable {
		t.Fatalf("got %v retryable=%v err=%v", res.State, res.Retryable, res.Err)
	}
	if _, _, token, _ := api.counts(); token != 3 {
		t.Errorf("token calls = %d", token)
	}
	if time.Since(start) > time.Second {
		t.Errorf("attempts not bounded: %v", time.Since(start))
	}
}

func TestRun_DegradedWhenCounterpartMissing(t *testing.T) {
	s := fullSession()
	s.PsychologistID = ""
	api := &stubAPI{byID: s}
	f := newFixture(t, api, nil)

	res := f.m.Run(context.Background())
	if res.State != StateDegraded || res.Err != nil {
		t.Fatalf("got %v err=%v", res.State, res.Err)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "counterpart_id" {
		t.Errorf("missing %v", res.Missing)
	}
	if _, _, _, join := api.counts(); join != 0 {
		t.Errorf("degraded must not register the join, got %d", join)
	}
	if len(f.nav.all()) != 0 {
		t.Error("degraded must not navigate")
	}
}

func TestRun_ReadyOnceMetadataArrives(t *testing.T) {
	s := fullSession()
	s.PsychologistID = ""
	api := &stubAPI{byID: s}
	f := newFixture(t, api, func(c *Config) { c.DegradedAfter = time.Second })

	go func() {
		time.Sleep(30 * time.Millisecond)
		api.mu.Lock()
		api.byID.PsychologistID = "u-psy"
		api.mu.Unlock()
	}()
	res := f.m.Run(context.Background())
	if res.State != StateReady {
		t.Fatalf("state %v", res.State)
	}
}

func TestRun_TerminalRecordFails(t *testing.T) {
	s := fullSession()
	s.AppointmentStatus = model.StatusConcluded
	f := newFixture(t, &stubAPI{byID: s}, nil)

	res := f.m.Run(context.Background())
	if res.State != StateFailed || !errors.Is(res.Err, ErrSessionTerminal) || CodeOf(res.Err) != errs.CodeSessionConcluded {
		t.Fatalf("got %v err=%v", res.State, res.Err)
	}
	exits := f.nav.all()
	if len(exits) != 1 || exits[0].Reason != ExitSessionTerminal {
		t.Errorf("exits %+v", exits)
	}
}

func TestRun_CancelledSessionWithReservedAppointmentFails(t *testing.T) {
	s := fullSession()
	s.Status = model.StatusCancelled
	s.AppointmentStatus = model.StatusReserved
	f := newFixture(t, &stubAPI{byID: s}, nil)

	res := f.m.Run(context.Background())
	if res.State != StateFailed || !errors.Is(res.Err, ErrSessionTerminal) || CodeOf(res.Err) != errs.CodeSessionCancelled {
		t.Fatalf("got %v err=%v", res.State, res.Err)
	}
	if _, _, token, join := f.api.counts(); token != 0 || join != 0 {
		t.Errorf("token calls %d, join calls %d for a cancelled session", token, join)
	}
}

func TestRun_ResolveBudgetExhausted(t *testing.T) {
	api := &stubAPI{}
	f := newFixture(t, api, func(c *Config) { c.Channel = "" })

	res := f.m.Run(context.Background())
	if res.State != StateFailed || !errors.Is(res.Err, ErrNotFound) || !res.Retryable {
		t.Fatalf("got %v retryable=%v err=%v", res.State, res.Retryable, res.Err)
	}
	if byID, _, token, _ := api.counts(); byID != 3 || token != 0 {
		t.Errorf("byID=%d token=%d", byID, token)
	}
}

func TestRun_UnresolvedSessionFallsBackToChannelToken(t *testing.T) {
	api := &stubAPI{tokenResp: &TokenResponse{Token: "tok-ch", UID: 42, Channel: testChannel}}
	f := newFixture(t, api, nil)

	res := f.m.Run(context.Background())
	if res.State != StateDegraded {
		t.Fatalf("state %v err=%v", res.State, res.Err)
	}
	if res.Token != "tok-ch" || res.UID != 42 || res.Channel != testChannel {
		t.Errorf("result %+v", res)
	}
	if f.sub.appointment != testApptID {
		t.Errorf("appointment derived from channel: %q", f.sub.appointment)
	}
}

func TestLifecycle_RoomClosedNavigatesOnce(t *testing.T) {
	f := newFixture(t, &stubAPI{byID: fullSession()}, nil)
	if res := f.m.Run(context.Background()); res.State != StateReady {
		t.Fatalf("state %v", res.State)
	}

	f.sub.emit(events.Event{Event: constants.EventRoomClosed, AppointmentID: "other"})
	if len(f.nav.all()) != 0 {
		t.Fatal("event for another appointment must be ignored")
	}
	ev := events.Event{Event: constants.EventRoomClosed, AppointmentID: testApptID, Message: "closed by admin"}
	f.sub.emit(ev)
	f.sub.emit(ev)

	exits := f.nav.all()
	if len(exits) != 1 {
		t.Fatalf("navigations = %d, want 1", len(exits))
	}
	if exits[0].Reason != ExitRoomClosed || exits[0].Notice != "closed by admin" {
		t.Errorf("exit %+v", exits[0])
	}
	if f.sub.unsubscribes() != 1 {
		t.Errorf("unsubscribes = %d", f.sub.unsubscribes())
	}
	if f.m.State() != StateClosed {
		t.Errorf("state %v", f.m.State())
	}
}

func TestLifecycle_BroadcastCancellationInterruptsRun(t *testing.T) {
	s := fullSession()
	s.PsychologistID = ""
	f := newFixture(t, &stubAPI{byID: s}, func(c *Config) { c.DegradedAfter = 5 * time.Second })

	go func() {
		time.Sleep(30 * time.Millisecond)
		f.sub.emit(events.Event{Event: constants.EventStatusChanged, Status: "Cancelled"})
	}()
	res := f.m.Run(context.Background())
	if res.State != StateClosed || !errors.Is(res.Err, ErrSessionTerminal) {
		t.Fatalf("got %v err=%v", res.State, res.Err)
	}
	exits := f.nav.all()
	if len(exits) != 1 || exits[0].Reason != ExitCancelled || exits[0].Notice == "" {
		t.Errorf("exits %+v", exits)
	}
}

func TestLifecycle_NonCancellingStatusIgnored(t *testing.T) {
	f := newFixture(t, &stubAPI{byID: fullSession()}, nil)
	f.m.Run(context.Background())
	f.sub.emit(events.Event{Event: constants.EventStatusChanged, AppointmentID: testApptID, Status: "InProgress"})
	if len(f.nav.all()) != 0 || f.m.State() != StateReady {
		t.Errorf("state %v exits %v", f.m.State(), f.nav.all())
	}
}

func TestClose_TearsDown(t *testing.T) {
	f := newFixture(t, &stubAPI{byID: fullSession()}, nil)
	f.m.Run(context.Background())
	f.m.Close()
	f.m.Close()

	if f.m.State() != StateClosed {
		t.Errorf("state %v", f.m.State())
	}
	if f.sub.unsubscribes() != 1 {
		t.Errorf("unsubscribes = %d", f.sub.unsubscribes())
	}
	f.sub.emit(events.Event{Event: constants.EventRoomClosed, AppointmentID: testApptID})
	if len(f.nav.all()) != 0 {
		t.Error("closed machine must not navigate")
	}
	if res := f.m.Run(context.Background()); !errors.Is(res.Err, ErrAlreadyStarted) {
		t.Errorf("second run: %v", res.Err)
	}
}

func TestFallbackUID(t *testing.T) {
	cases := map[string]uint32{
		"sala_appt-1": 177325,
		"sala_42":     458810,
		"abc":         96354,
	}
	for ch, want := range cases {
		if got := FallbackUID(ch); got != want {
			t.Errorf("FallbackUID(%q) = %d, want %d", ch, got, want)
		}
	}
	if FallbackUID("") == 0 {
		t.Error("uid must be positive")
	}
	if AppointmentFromChannel(DefaultChannel("x")) != "x" || AppointmentFromChannel("room") != "" {
		t.Error("channel round trip")
	}
}
