package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/lumid/internal/clock"
	"github.com/chaz8081/lumid/internal/kv"
	"github.com/chaz8081/lumid/internal/notify"
)

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateResolvingChannel
	StateReady
	StateReconnecting
	// StateFailed is only reported in events, when reconnection is exhausted.
	// The manager itself settles in StateIdle.
	StateFailed
)

var stateNames = [...]string{"Idle", "Discovering", "Connecting", "ResolvingChannel", "Ready", "Reconnecting", "Failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event kinds.
const (
	EventState   = "state"
	EventCommand = "command"
	EventError   = "error"
)

// Event reports a state change, a sent command or an error.
type Event struct {
	Kind    string
	State   State
	Device  string
	Command Command
	Err     error
	At      time.Time
}

// ManagerOptions configures a Manager. Zero values select the defaults.
type ManagerOptions struct {
	Filter             Filter
	Resolver           *Resolver
	ReconnectAttempts  int           // default 3; negative disables reconnection
	ReconnectBaseDelay time.Duration // default 1s
	// MaxSendFailures is the number of consecutive failed sends that is
	// treated as a lost link. Zero disables the check.
	MaxSendFailures int
	Clock           clock.Clock
	Store           kv.Store
	Notifier        notify.Notifier
}

// DefaultManagerOptions returns the default policy.
func DefaultManagerOptions() ManagerOptions {
	r := DefaultResolver()
	return ManagerOptions{
		Filter:             DefaultFilter(),
		Resolver:           &r,
		ReconnectAttempts:  3,
		ReconnectBaseDelay: time.Second,
		MaxSendFailures:    3,
	}
}

// Manager owns one peripheral connection: discovery, channel resolution,
// monitoring and bounded reconnection. Safe for concurrent use.
type Manager struct {
	transport Transport
	opts      ManagerOptions
	clock     clock.Clock

	channel atomic.Pointer[Channel]

	mu           sync.Mutex
	state        State
	sid          uint64 // session id; results tagged with an older id are discarded
	lost         bool   // the link of session sid dropped before it became Ready
	cancel       context.CancelFunc
	timer        clock.Timer
	session      Session
	device       string
	address      string
	path         string
	attempts     int
	sendFailures int
	lastErr      error
	lastCommand  *Command
	deferred     []func() // run by unlock, after mu is released

	listenersMu sync.Mutex
	listeners   []func(Event)
}

// NewManager creates a Manager in StateIdle.
func NewManager(t Transport, opts ManagerOptions) *Manager {
	if opts.Resolver == nil {
		r := DefaultResolver()
		opts.Resolver = &r
	}
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = 3
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Store == nil {
		opts.Store = kv.NewMemory()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	return &Manager{transport: t, opts: opts, clock: opts.Clock}
}

// Subscribe registers fn for every event. fn runs synchronously on the
// goroutine that caused the event, after internal locks are released.
func (m *Manager) Subscribe(fn func(Event)) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// Connect discovers a peripheral, connects and resolves a command channel. It
// returns once the manager is Ready or the attempt failed; on failure the
// manager is back in StateIdle and Connect may be retried.
func (m *Manager) Connect(ctx context.Context) error {
	if !IsSecure(ctx) {
		return ErrInsecureContext
	}
	if err := m.transport.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportUnavailable, err)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrBusy, st)
	}
	m.sid++
	sid := m.sid
	m.lost = false
	m.attempts = 0
	m.sendFailures = 0
	m.lastErr = nil
	actx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	f := m.opts.Filter
	if name, err := m.opts.Store.Get(kv.KeyLastDevice); err == nil && f.PreferName == "" {
		f.PreferName = name
	}
	m.mu.Unlock()

	err := m.establish(actx, sid, f)
	if err == nil {
		return nil
	}

	m.mu.Lock()
	if sid == m.sid {
		m.setStateLocked(StateIdle)
		m.lastErr = err
		m.cancelLocked()
		m.emitLocked(Event{Kind: EventError, State: StateIdle, Err: err})
		m.notifyLocked(notify.Notification{
			Title: "Lumi connection error",
			Body:  Remediation(err),
			Tag:   "bluetooth-error",
		})
	}
	m.unlock()
	slog.Warn("[BLE] connect failed", "error", err)
	return err
}

// establish runs one Discovering -> Connecting -> ResolvingChannel -> Ready
// cycle for session sid.
func (m *Manager) establish(ctx context.Context, sid uint64, f Filter) error {
	if err := m.transition(sid, StateDiscovering); err != nil {
		return err
	}
	p, err := m.transport.RequestDevice(ctx, f)
	if err != nil {
		if errors.Is(err, ErrNoDeviceSelected) {
			return &ConnectError{Reason: ReasonNoDeviceSelected, Err: err}
		}
		return &ConnectError{Reason: ReasonDiscovery, Err: err}
	}
	slog.Info("[BLE] device selected", "name", p.Name(), "id", p.ID())

	if err := m.transition(sid, StateConnecting); err != nil {
		return err
	}
	p.OnDisconnect(func() { m.deliver(disconnectMsg{sid: sid}) })
	sess, err := p.Connect(ctx)
	if err != nil {
		return &ConnectError{Reason: ReasonHandshake, Err: err}
	}

	if err := m.transition(sid, StateResolvingChannel); err != nil {
		disconnectSession(sess)
		return err
	}
	res, err := m.opts.Resolver.Resolve(sess)
	if err != nil {
		disconnectSession(sess)
		return &ConnectError{Reason: ReasonNoWritableChannel, Err: err}
	}
	slog.Info("[BLE] command channel resolved",
		"service", res.Service.UUID(), "characteristic", res.Characteristic.UUID(), "path", res.Path)

	if res.Characteristic.Capabilities().Notify {
		uuid := res.Characteristic.UUID()
		if err := res.Characteristic.Subscribe(func(data []byte) {
			slog.Debug("[BLE] notification received", "uuid", uuid, "data", fmt.Sprintf("%x", data))
		}); err != nil {
			slog.Debug("[BLE] subscribe failed", "uuid", uuid, "error", err)
		}
	}

	ch := NewChannel(res.Service, res.Characteristic, m.opts.Notifier)
	name := p.Name()
	if name == "" {
		name = p.ID()
	}

	m.mu.Lock()
	if sid != m.sid || m.lost {
		lost := sid == m.sid
		m.unlock()
		ch.close()
		disconnectSession(sess)
		if lost {
			return errLinkLost
		}
		return errSuperseded
	}
	reconnected := m.attempts > 0
	m.session = sess
	m.device = name
	m.address = p.ID()
	m.path = res.Path
	m.sendFailures = 0
	m.channel.Store(ch)
	m.unlock()

	// OFF goes out before Ready is published so no other sender can race it.
	if err := m.Send(ctx, CommandOff); err != nil {
		slog.Warn("[BLE] initial OFF failed", "error", err)
	}

	m.mu.Lock()
	if sid != m.sid {
		m.unlock()
		return errSuperseded
	}
	if m.lost {
		m.dropLinkLocked()
		m.unlock()
		disconnectSession(sess)
		return errLinkLost
	}
	m.attempts = 0
	m.lastErr = nil
	m.setStateLocked(StateReady)
	body := "Connected to " + name + "."
	if reconnected {
		body = "Reconnected to " + name + "."
	}
	m.notifyLocked(notify.Notification{Title: "Lumi connected", Body: body, Tag: "bluetooth-connection"})
	m.unlock()

	if err := m.opts.Store.Set(kv.KeyLastDevice, p.Name()); err != nil {
		slog.Warn("[BLE] failed to persist device", "error", err)
	}
	slog.Info("[BLE] connected", "device", name, "id", p.ID())
	return nil
}

// transition moves session sid to st, or reports errSuperseded when a newer
// session has started.
func (m *Manager) transition(sid uint64, st State) error {
	m.mu.Lock()
	defer m.unlock()
	if sid != m.sid {
		return errSuperseded
	}
	m.setStateLocked(st)
	return nil
}

type message interface{ isMessage() }

// disconnectMsg reports that the link of session sid dropped.
type disconnectMsg struct{ sid uint64 }

// reconnectMsg fires when the backoff for session sid elapsed.
type reconnectMsg struct{ sid uint64 }

func (disconnectMsg) isMessage() {}
func (reconnectMsg) isMessage()  {}

// deliver feeds an asynchronous event into the state machine.
func (m *Manager) deliver(msg message) {
	switch msg := msg.(type) {
	case disconnectMsg:
		m.handleDisconnect(msg.sid)
	case reconnectMsg:
		m.handleReconnect(msg.sid)
	}
}

func (m *Manager) handleDisconnect(sid uint64) {
	m.mu.Lock()
	defer m.unlock()
	if sid != m.sid {
		slog.Debug("[BLE] ignoring stale disconnect", "session", sid, "state", m.state)
		return
	}
	switch m.state {
	case StateReady:
	case StateConnecting, StateResolvingChannel:
		// establish checks the flag before publishing Ready.
		slog.Warn("[BLE] link dropped during setup", "session", sid, "state", m.state)
		m.lost = true
		m.cancelLocked()
		return
	default:
		slog.Debug("[BLE] ignoring disconnect", "session", sid, "state", m.state)
		return
	}
	slog.Warn("[BLE] disconnected", "device", m.device)
	m.dropLinkLocked()
	m.emitLocked(Event{Kind: EventError, State: m.state, Device: m.device, Err: ErrDisconnected})
	m.scheduleReconnectLocked()
}

func (m *Manager) handleReconnect(sid uint64) {
	m.mu.Lock()
	if sid != m.sid || m.state != StateReconnecting {
		m.unlock()
		return
	}
	m.timer = nil
	m.sid++
	next := m.sid
	m.lost = false
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	f := m.opts.Filter
	f.Address = m.address
	f.PreferName = m.device
	attempt := m.attempts
	m.unlock()

	slog.Info("[BLE] reconnecting", "attempt", attempt, "device", f.PreferName)
	err := m.establish(ctx, next, f)
	if err == nil {
		slog.Info("[BLE] reconnected", "attempt", attempt)
		return
	}

	m.mu.Lock()
	defer m.unlock()
	if next != m.sid {
		return
	}
	slog.Warn("[BLE] reconnect failed", "attempt", attempt, "error", err)
	m.lastErr = err
	m.cancelLocked()
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked schedules the next reconnect attempt for the
// current session or gives up when the bound is reached.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.opts.ReconnectAttempts {
		slog.Error("[BLE] reconnect attempts exhausted", "attempts", m.attempts)
		device := m.device
		m.emitLocked(Event{Kind: EventState, State: StateFailed, Device: device, Err: ErrReconnectExhausted})
		m.state = StateIdle
		m.attempts = 0
		m.lastErr = ErrReconnectExhausted
		m.emitLocked(Event{Kind: EventState, State: StateIdle, Device: device})
		m.notifyLocked(notify.Notification{
			Title: "Lumi disconnected",
			Body:  Remediation(ErrReconnectExhausted),
			Tag:   "bluetooth-connection",
		})
		return
	}
	m.attempts++
	delay := backoffDelay(m.attempts, m.opts.ReconnectBaseDelay)
	m.setStateLocked(StateReconnecting)
	sid := m.sid
	slog.Info("[BLE] reconnect backoff", "attempt", m.attempts, "delay", delay)
	m.timer = m.clock.AfterFunc(delay, func() { m.deliver(reconnectMsg{sid: sid}) })
}

// dropLinkLocked invalidates the channel and forgets the session without
// touching the transport.
func (m *Manager) dropLinkLocked() {
	if ch := m.channel.Swap(nil); ch != nil {
		ch.close()
	}
	m.session = nil
	m.cancelLocked()
}

// Disconnect tears down any session or attempt in flight, clears the
// remembered device and returns to StateIdle. Valid from any state.
func (m *Manager) Disconnect() error {
	m.teardown()
	if err := m.opts.Store.Delete(kv.KeyLastDevice); err != nil {
		slog.Debug("[BLE] failed to clear device", "error", err)
	}
	slog.Info("[BLE] disconnected by request")
	return nil
}

// Close tears down like Disconnect but keeps the remembered device so the
// next start prefers it.
func (m *Manager) Close() error {
	m.teardown()
	return nil
}

func (m *Manager) teardown() {
	m.mu.Lock()
	m.sid++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	sess := m.session
	m.dropLinkLocked()
	m.attempts = 0
	m.sendFailures = 0
	m.lastErr = nil
	m.setStateLocked(StateIdle)
	m.unlock()

	if sess != nil {
		if err := sess.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "error", err)
		}
	}
}

// Send transmits cmd on the current channel. Consecutive failures reaching
// MaxSendFailures put the manager on the reconnect path.
func (m *Manager) Send(ctx context.Context, cmd Command) error {
	ch := m.channel.Load()
	if ch == nil {
		return ErrNotReady
	}
	err := ch.Send(ctx, cmd)

	m.mu.Lock()
	defer m.unlock()
	if m.channel.Load() != ch {
		return err
	}
	if err == nil {
		m.sendFailures = 0
		c := cmd
		m.lastCommand = &c
		m.emitLocked(Event{Kind: EventCommand, State: m.state, Device: m.device, Command: cmd})
		return nil
	}

	m.sendFailures++
	m.emitLocked(Event{Kind: EventError, State: m.state, Device: m.device, Command: cmd, Err: err})
	if m.opts.MaxSendFailures > 0 && m.sendFailures >= m.opts.MaxSendFailures && m.state == StateReady {
		slog.Warn("[BLE] too many failed sends, reconnecting", "failures", m.sendFailures)
		m.sendFailures = 0
		sess := m.session
		m.dropLinkLocked()
		if sess != nil {
			m.deferred = append(m.deferred, func() { disconnectSession(sess) })
		}
		m.scheduleReconnectLocked()
	}
	return err
}

// Pulse sends cmd, waits d and sends OFF.
func (m *Manager) Pulse(ctx context.Context, cmd Command, d time.Duration) error {
	if d <= 0 {
		d = 1500 * time.Millisecond
	}
	if err := m.Send(ctx, cmd); err != nil {
		return err
	}
	select {
	case <-m.clock.After(d):
	case <-ctx.Done():
	}
	return m.Send(context.WithoutCancel(ctx), CommandOff)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Ready reports whether a command channel is established.
func (m *Manager) Ready() bool {
	return m.State() == StateReady && m.channel.Load() != nil
}

// Status is a snapshot of the manager for reporting.
type Status struct {
	State             State    `json:"state"`
	Device            string   `json:"device,omitempty"`
	Address           string   `json:"address,omitempty"`
	Characteristic    string   `json:"characteristic,omitempty"`
	ResolutionPath    string   `json:"resolution_path,omitempty"`
	LastCommand       *Command `json:"last_command,omitempty"`
	LastError         string   `json:"last_error,omitempty"`
	Remediation       string   `json:"remediation,omitempty"`
	ReconnectAttempts int      `json:"reconnect_attempts"`
}

// Status returns a snapshot of the manager.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:             m.state,
		Device:            m.device,
		Address:           m.address,
		ResolutionPath:    m.path,
		ReconnectAttempts: m.attempts,
	}
	if ch := m.channel.Load(); ch != nil {
		st.Characteristic = NormalizeUUID(ch.Characteristic().UUID())
	}
	if m.lastCommand != nil {
		c := *m.lastCommand
		st.LastCommand = &c
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
		st.Remediation = Remediation(m.lastErr)
	}
	return st
}

// LastError returns the error that last returned the manager to StateIdle.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) setStateLocked(st State) {
	if m.state == st {
		return
	}
	m.state = st
	m.emitLocked(Event{Kind: EventState, State: st, Device: m.device})
}

func (m *Manager) cancelLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// emitLocked queues e for delivery once mu is released.
func (m *Manager) emitLocked(e Event) {
	e.At = m.clock.Now()
	m.deferred = append(m.deferred, func() { m.emit(e) })
}

func (m *Manager) notifyLocked(n notify.Notification) {
	nt := m.opts.Notifier
	m.deferred = append(m.deferred, func() { notify.Send(context.Background(), nt, n) })
}

// unlock releases mu and runs the work deferred while it was held.
func (m *Manager) unlock() {
	work := m.deferred
	m.deferred = nil
	m.mu.Unlock()
	for _, fn := range work {
		fn()
	}
}

func (m *Manager) emit(e Event) {
	m.listenersMu.Lock()
	ls := make([]func(Event), len(m.listeners))
	copy(ls, m.listeners)
	m.listenersMu.Unlock()
	for _, fn := range ls {
		fn(e)
	}
}

func disconnectSession(sess Session) {
	if err := sess.Disconnect(); err != nil {
		slog.Debug("[BLE] session disconnect failed", "error", err)
	}
}

// backoffDelay returns the delay before reconnect attempt n (1-based).
func backoffDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * base
}
