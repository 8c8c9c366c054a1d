package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/pkg/constants"
	"github.com/psds-microservice/session-reservation-service/pkg/events"
	"go.uber.org/zap"
)

// State is a bootstrap state.
type State int

const (
	StateResolving State = iota
	StateTokenFetching
	StateReady
	StateDegraded
	StateFailed
	// StateClosed: torn down by Close or by a lifecycle interrupt.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateResolving:
		return "Resolving"
	case StateTokenFetching:
		return "TokenFetching"
	case StateReady:
		return "Ready"
	case StateDegraded:
		return "Degraded"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config configures a Machine. Zero durations and counts take the defaults.
type Config struct {
	Role      Role
	SessionID string // from the route; may be empty when Channel is set
	Channel   string // from the route; may be empty
	AppID     string // RTC provider app id

	API        SessionAPI
	Subscriber Subscriber // optional
	Navigator  Navigator  // optional
	Logger     *zap.Logger

	TokenAttemptTimeout time.Duration // 10s
	MaxTokenAttempts    int           // 3
	ResolveAttempts     int           // 3
	ResolveRetryDelay   time.Duration // 2s
	DegradedAfter       time.Duration // 5s
	RefreshInterval     time.Duration // 1s
}

func (c *Config) applyDefaults() {
	if c.TokenAttemptTimeout <= 0 {
		c.TokenAttemptTimeout = 10 * time.Second
	}
	if c.MaxTokenAttempts <= 0 {
		c.MaxTokenAttempts = 3
	}
	if c.ResolveAttempts <= 0 {
		c.ResolveAttempts = 3
	}
	if c.ResolveRetryDelay <= 0 {
		c.ResolveRetryDelay = 2 * time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 5 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Navigator == nil {
		c.Navigator = NavigatorFunc(func(Exit) {})
	}
}

// Result is the outcome of one bootstrap run.
type Result struct {
	State     State
	Session   *Session
	Channel   string
	Token     string
	UID       uint32
	AppID     string
	Missing   []string // room data still absent (Degraded)
	Err       error
	Retryable bool
}

// Machine is the bootstrap state machine of one role's client. One Machine
// serves one room visit.
type Machine struct {
	cfg Config
	log *zap.Logger

	mu            sync.Mutex
	state         State
	started       bool
	retryable     bool
	done          bool // Close or interrupt
	exitErr       error
	cancel        context.CancelFunc
	appointmentID string
	subscribed    bool
	unsubscribe   func()
	joinAttempted bool
	navOnce       sync.Once
}

// New validates cfg and creates a machine in Resolving.
func New(cfg Config) (*Machine, error) {
	role, ok := model.ParseRole(string(cfg.Role))
	if !ok {
		return nil, fmt.Errorf("bootstrap: %w: %q", errs.ErrInvalidRole, cfg.Role)
	}
	cfg.Role = role
	if cfg.API == nil {
		return nil, errors.New("bootstrap: API is required")
	}
	if cfg.SessionID == "" && cfg.Channel == "" {
		return nil, errors.New("bootstrap: session id or channel is required")
	}
	cfg.applyDefaults()
	return &Machine{
		cfg:   cfg,
		log:   cfg.Logger.With(zap.String("role", string(cfg.Role)), zap.String("session_id", cfg.SessionID)),
		state: StateResolving,
	}, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Run drives the machine to Ready, Degraded, Failed or Closed. It may be
// called once; use Retry after a retryable failure.
func (m *Machine) Run(ctx context.Context) Result {
	m.mu.Lock()
	if m.started {
		st := m.state
		m.mu.Unlock()
		return Result{State: st, Err: ErrAlreadyStarted}
	}
	m.started = true
	m.mu.Unlock()
	return m.run(ctx)
}

// Retry runs the machine again after a transient failure.
func (m *Machine) Retry(ctx context.Context) (Result, error) {
	m.mu.Lock()
	if m.done || m.state != StateFailed || !m.retryable {
		m.mu.Unlock()
		return Result{}, ErrRetryUnavailable
	}
	m.retryable = false
	m.mu.Unlock()
	return m.run(ctx), nil
}

// Close tears the machine down: cancels a running bootstrap and drops the
// lifecycle subscription. No navigation happens.
func (m *Machine) Close() {
	m.mu.Lock()
	m.done = true
	m.state = StateClosed
	m.retryable = false
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.stopWatching()
}

func (m *Machine) run(parent context.Context) Result {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return m.closedResult(nil)
	}
	m.cancel = cancel
	m.mu.Unlock()

	degraded := time.NewTimer(m.cfg.DegradedAfter)
	defer degraded.Stop()
	refresh := time.NewTicker(m.cfg.RefreshInterval)
	defer refresh.Stop()

	m.setState(StateResolving)
	sess, err := m.resolve(ctx)
	if err != nil {
		if errs.Terminal(err) || ctx.Err() != nil || m.cfg.Channel == "" {
			return m.fail(nil, err)
		}
		// по id ничего не нашлось, токен ещё можно получить по каналу
		m.log.Info("session not resolved, continuing by channel", zap.String("channel", m.cfg.Channel), zap.Error(err))
		sess = &Session{Channel: m.cfg.Channel, AppointmentID: AppointmentFromChannel(m.cfg.Channel)}
	}
	m.watch(ctx, sess.AppointmentID)
	if err := admission(sess); err != nil {
		return m.fail(sess, err)
	}

	fetched := false
	expired := false
	for {
		if !hasCredential(sess, m.cfg.Role) && !fetched {
			fetched = true
			m.setState(StateTokenFetching)
			tok, err := m.fetchToken(ctx, m.channel(sess))
			if err != nil {
				return m.fail(sess, err)
			}
			m.applyToken(sess, tok)
			m.setState(StateResolving)
		}

		if m.ready(sess) {
			degraded.Stop()
			m.setState(StateReady)
			m.register(ctx, sess)
			return m.result(StateReady, sess, nil, false)
		}
		if expired {
			if m.usable(sess) {
				m.setState(StateDegraded)
				m.log.Info("room data incomplete, proceeding degraded", zap.Strings("missing", sess.MissingFields(m.cfg.Role)))
				return m.result(StateDegraded, sess, nil, false)
			}
			return m.fail(sess, errs.New(errs.ErrTransient, "",
				"room data incomplete: "+strings.Join(sess.MissingFields(m.cfg.Role), ", ")))
		}

		select {
		case <-ctx.Done():
			return m.fail(sess, ctx.Err())
		case <-degraded.C:
			expired = true
		case <-refresh.C:
			if err := m.refresh(ctx, sess); err != nil {
				return m.fail(sess, err)
			}
		}
	}
}

// resolve looks the session up with the resolver retry budget.
func (m *Machine) resolve(ctx context.Context) (*Session, error) {
	var last error
	for attempt := 1; attempt <= m.cfg.ResolveAttempts; attempt++ {
		sess, err := m.resolveOnce(ctx)
		if err == nil {
			return sess, nil
		}
		if errs.Terminal(err) {
			return nil, err
		}
		last = err
		m.log.Debug("resolve attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt == m.cfg.ResolveAttempts {
			break
		}
		t := time.NewTimer(m.cfg.ResolveRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("resolve: %d attempts: %w", m.cfg.ResolveAttempts, last)
}

// resolveOnce resolves by id and, when that record lacks room data for the
// role, by channel; channel fields win in the merge.
func (m *Machine) resolveOnce(ctx context.Context) (*Session, error) {
	var (
		byID     *Session
		firstErr error
	)
	if m.cfg.SessionID != "" {
		s, err := m.cfg.API.SessionByID(ctx, m.cfg.SessionID)
		switch {
		case err == nil:
			byID = s
		case errs.Terminal(err):
			return nil, err
		case !errors.Is(err, ErrNotFound):
			firstErr = err
		}
	}
	if byID != nil && len(byID.MissingFields(m.cfg.Role)) == 0 {
		return byID, nil
	}

	channel := m.cfg.Channel
	if channel == "" && byID != nil {
		channel = byID.Channel
	}
	var byCh *Session
	if channel != "" {
		s, err := m.cfg.API.SessionByChannel(ctx, channel)
		switch {
		case err == nil:
			byCh = s
		case errs.Terminal(err):
			return nil, err
		case !errors.Is(err, ErrNotFound) && firstErr == nil:
			firstErr = err
		}
	}

	merged := mergeSession(byID, byCh)
	if merged == nil {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, errs.New(errs.ErrSessionNotFound, errs.CodeNotFound, "session not found")
	}
	return merged, nil
}

// refresh re-resolves once while waiting for the rest of the room data.
// Only terminal outcomes are reported.
func (m *Machine) refresh(ctx context.Context, sess *Session) error {
	rctx, cancel := context.WithTimeout(ctx, m.cfg.TokenAttemptTimeout)
	defer cancel()
	fresh, err := m.resolveOnce(rctx)
	if err != nil {
		if errs.Terminal(err) {
			return err
		}
		return nil
	}
	*sess = *mergeSession(sess, fresh)
	m.watch(ctx, sess.AppointmentID)
	return admission(sess)
}

// fetchToken asks the channel-keyed endpoint for this role's token:
// MaxTokenAttempts attempts of TokenAttemptTimeout each. Permission and
// terminal failures stop at once.
func (m *Machine) fetchToken(ctx context.Context, channel string) (*TokenResponse, error) {
	if channel == "" {
		return nil, errs.New(errs.ErrSessionNotFound, errs.CodeNotFound, "no channel to request a token for")
	}
	var last error
	for attempt := 1; attempt <= m.cfg.MaxTokenAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, m.cfg.TokenAttemptTimeout)
		tok, err := m.cfg.API.TokenByChannel(actx, channel)
		cancel()
		if err == nil && tok != nil && tok.Token != "" {
			return tok, nil
		}
		if err == nil {
			err = errs.New(errs.ErrTransient, "", "empty token response")
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errs.Terminal(err) {
			return nil, err
		}
		last = err
		m.log.Warn("token attempt failed",
			zap.String("channel", channel),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", m.cfg.MaxTokenAttempts),
			zap.Error(err))
	}
	return nil, fmt.Errorf("token: %d attempts: %w", m.cfg.MaxTokenAttempts, last)
}

func (m *Machine) applyToken(sess *Session, tok *TokenResponse) {
	if tok.Channel != "" {
		sess.Channel = tok.Channel
	}
	uid := tok.UID
	if uid == 0 {
		uid = FallbackUID(m.channel(sess))
		m.log.Info("token without uid, using channel fallback uid", zap.Uint32("uid", uid))
	}
	setCredential(sess, m.cfg.Role, tok.Token, uid)
	// uid собеседника, если сервер его вернул
	other := tok.Participants.PatientUID
	if m.cfg.Role == RolePatient {
		other = tok.Participants.PsychologistUID
	}
	if other != 0 && sess.UID(m.cfg.Role.Counterpart()) == 0 {
		if m.cfg.Role == RolePatient {
			sess.PsychologistUID = other
		} else {
			sess.PatientUID = other
		}
	}
}

// register records this role's first join; at most one call per machine,
// only from Ready.
func (m *Machine) register(ctx context.Context, sess *Session) {
	m.mu.Lock()
	if m.joinAttempted {
		m.mu.Unlock()
		return
	}
	m.joinAttempted = true
	m.mu.Unlock()

	if joinedAt(sess, m.cfg.Role) != nil {
		return
	}
	id := sess.ID
	if id == "" {
		id = m.cfg.SessionID
	}
	if id == "" {
		return
	}
	jctx, cancel := context.WithTimeout(ctx, m.cfg.TokenAttemptTimeout)
	defer cancel()
	if _, err := m.cfg.API.Join(jctx, id, m.cfg.Role); err != nil {
		m.log.Warn("join registration failed", zap.Error(err))
	}
}

func (m *Machine) channel(sess *Session) string {
	if sess.Channel != "" {
		return sess.Channel
	}
	if m.cfg.Channel != "" {
		return m.cfg.Channel
	}
	if sess.AppointmentID != "" {
		return DefaultChannel(sess.AppointmentID)
	}
	return ""
}

// usable: token, channel and app id, enough to join media.
func (m *Machine) usable(sess *Session) bool {
	return sess.Token(m.cfg.Role) != "" && m.channel(sess) != "" && m.cfg.AppID != ""
}

func (m *Machine) ready(sess *Session) bool {
	return m.usable(sess) && sess.UID(m.cfg.Role) > 0 && len(sess.MissingFields(m.cfg.Role)) == 0
}

// watch subscribes to the appointment topic once the appointment is known.
func (m *Machine) watch(ctx context.Context, appointmentID string) {
	if m.cfg.Subscriber == nil || appointmentID == "" {
		return
	}
	m.mu.Lock()
	if m.subscribed || m.done {
		m.mu.Unlock()
		return
	}
	m.subscribed = true
	m.appointmentID = appointmentID
	m.mu.Unlock()

	unsub, err := m.cfg.Subscriber.Subscribe(ctx, appointmentID, m.onEvent)
	if err != nil {
		m.log.Warn("lifecycle subscribe failed", zap.String("appointment_id", appointmentID), zap.Error(err))
		m.mu.Lock()
		m.subscribed = false
		m.mu.Unlock()
		return
	}
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		unsub()
		return
	}
	m.unsubscribe = unsub
	m.mu.Unlock()
}

func (m *Machine) stopWatching() {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// onEvent handles a lifecycle event: cancellation or room closure of this
// appointment tears the room down and navigates away.
func (m *Machine) onEvent(ev events.Event) {
	m.mu.Lock()
	if m.done || !ev.Interrupts() || !ev.Targets(m.appointmentID) {
		m.mu.Unlock()
		return
	}
	reason, code := ExitRoomClosed, errs.CodeRoomClosed
	if ev.Event == constants.EventStatusChanged {
		reason, code = ExitCancelled, errs.CodeSessionCancelled
	}
	notice := ev.Message
	if notice == "" {
		notice = defaultNotice(reason)
	}
	m.done = true
	m.state = StateClosed
	m.retryable = false
	m.exitErr = errs.New(errs.ErrSessionTerminal, code, notice)
	cancel := m.cancel
	exitErr := m.exitErr
	m.mu.Unlock()

	m.log.Info("lifecycle interrupt", zap.String("event", ev.Event), zap.String("reason", ev.Reason))
	m.stopWatching()
	if cancel != nil {
		cancel()
	}
	m.navigate(Exit{Reason: reason, Notice: notice, Err: exitErr})
}

func defaultNotice(r ExitReason) string {
	if r == ExitCancelled {
		return "The consultation was cancelled."
	}
	return "The room was closed."
}

func (m *Machine) navigate(e Exit) {
	m.navOnce.Do(func() { m.cfg.Navigator.Leave(e) })
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.done {
		m.state = s
	}
}

// fail moves to Failed. Permission and terminal errors leave the room
// silently; anything else stays in place and offers Retry.
func (m *Machine) fail(sess *Session, err error) Result {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return m.closedResult(sess)
	}
	terminal := errs.Terminal(err)
	m.state = StateFailed
	m.retryable = !terminal
	m.mu.Unlock()

	m.log.Warn("bootstrap failed", zap.Bool("retryable", !terminal), zap.Error(err))
	if terminal {
		m.stopWatching()
		reason := ExitPermissionDenied
		if errors.Is(err, ErrSessionTerminal) {
			reason = ExitSessionTerminal
		}
		m.navigate(Exit{Reason: reason, Err: err})
	}
	return m.result(StateFailed, sess, err, !terminal)
}

func (m *Machine) closedResult(sess *Session) Result {
	m.mu.Lock()
	err := m.exitErr
	m.mu.Unlock()
	if err == nil {
		err = context.Canceled
	}
	return m.result(StateClosed, sess, err, false)
}

func (m *Machine) result(st State, sess *Session, err error, retryable bool) Result {
	r := Result{State: st, Session: sess, AppID: m.cfg.AppID, Err: err, Retryable: retryable}
	if sess != nil {
		r.Channel = m.channel(sess)
		r.Token = sess.Token(m.cfg.Role)
		r.UID = sess.UID(m.cfg.Role)
		r.Missing = sess.MissingFields(m.cfg.Role)
	}
	return r
}

// admission rejects records that can no longer be joined. The appointment
// status and the session's own status are both checked: either one being
// terminal ends the session.
func admission(sess *Session) error {
	for _, status := range []model.SessionStatus{sess.AppointmentStatus, sess.Status} {
		switch status {
		case model.StatusConcluded:
			return errs.New(errs.ErrSessionTerminal, errs.CodeSessionConcluded, "session concluded")
		case model.StatusCancelled:
			return errs.New(errs.ErrSessionTerminal, errs.CodeSessionCancelled, "session cancelled")
		}
	}
	if sess.RoomClosed {
		return errs.New(errs.ErrPermissionDenied, errs.CodeRoomClosed, "room closed")
	}
	return nil
}

func hasCredential(sess *Session, role Role) bool {
	return sess.Token(role) != "" && sess.UID(role) != 0
}

func setCredential(sess *Session, role Role, token string, uid uint32) {
	if role == RolePsychologist {
		sess.PsychologistToken, sess.PsychologistUID = token, uid
		return
	}
	sess.PatientToken, sess.PatientUID = token, uid
}

func joinedAt(sess *Session, role Role) *time.Time {
	if role == RolePsychologist {
		return sess.PsychologistJoinedAt
	}
	return sess.PatientJoinedAt
}

// mergeSession overlays the non-empty fields of over onto a copy of base.
// A credential pair is taken only when complete.
func mergeSession(base, over *Session) *Session {
	switch {
	case base == nil && over == nil:
		return nil
	case base == nil:
		out := *over
		return &out
	case over == nil:
		out := *base
		return &out
	}
	out := *base
	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setStr(&out.ID, over.ID)
	setStr(&out.AppointmentID, over.AppointmentID)
	setStr(&out.CalendarSlotID, over.CalendarSlotID)
	setStr(&out.Channel, over.Channel)
	setStr(&out.PatientID, over.PatientID)
	setStr(&out.PsychologistID, over.PsychologistID)
	setStr(&out.AppointmentDate, over.AppointmentDate)
	setStr(&out.AppointmentTime, over.AppointmentTime)
	setStr(&out.ScheduledAt, over.ScheduledAt)
	if over.Status != "" {
		out.Status = over.Status
	}
	if over.AppointmentStatus != "" {
		out.AppointmentStatus = over.AppointmentStatus
	}
	for _, role := range []Role{RolePatient, RolePsychologist} {
		if hasCredential(over, role) {
			setCredential(&out, role, over.Token(role), over.UID(role))
		}
	}
	if over.PatientJoinedAt != nil {
		out.PatientJoinedAt = over.PatientJoinedAt
	}
	if over.PsychologistJoinedAt != nil {
		out.PsychologistJoinedAt = over.PsychologistJoinedAt
	}
	out.RoomClosed = out.RoomClosed || over.RoomClosed
	out.Joinable = out.Joinable || over.Joinable
	return &out
}
