package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/lumid/internal/ble"
	"github.com/chaz8081/lumid/internal/clock"
)

// Sender transmits commands to the device. *ble.Manager implements it.
type Sender interface {
	Send(ctx context.Context, cmd ble.Command) error
	Pulse(ctx context.Context, cmd ble.Command, d time.Duration) error
	Ready() bool
}

// DriverOptions configures a Driver.
type DriverOptions struct {
	DayStart      string        // "HH:MM"
	DayEnd        string        // "HH:MM"
	CheckInterval time.Duration // default 1m
	PulseOnWater  bool
	PulseDuration time.Duration // default 1.5s
	Clock         clock.Clock
}

// Driver evaluates the alarm engine once per CheckInterval while the device
// is connected, plus once on every (re)connection, and forwards the decision
// to the Sender. It also turns metric snapshots into intake events.
//
// The driver never holds its lock while calling the Sender, because sends
// emit connection events that are routed back into HandleEvent.
type Driver struct {
	sender Sender
	store  *Store
	clock  clock.Clock
	opts   DriverOptions

	mu          sync.Mutex
	state       State
	day         string
	metrics     Metrics
	haveMetrics bool
	lastSent    *ble.Command
	timer       clock.Timer
	gen         int // ticker generation; bumps invalidate scheduled ticks
}

// NewDriver loads the current state from store.
func NewDriver(sender Sender, store *Store, opts DriverOptions) (*Driver, error) {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = time.Minute
	}
	if opts.PulseDuration <= 0 {
		opts.PulseDuration = 1500 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if _, err := ParseClock(opts.DayStart); err != nil {
		return nil, fmt.Errorf("alarm: day start: %w", err)
	}
	if _, err := ParseClock(opts.DayEnd); err != nil {
		return nil, fmt.Errorf("alarm: day end: %w", err)
	}

	now := opts.Clock.Now()
	st, err := store.Load(now, opts.DayStart, opts.DayEnd)
	if err != nil {
		return nil, err
	}
	return &Driver{
		sender: sender,
		store:  store,
		clock:  opts.Clock,
		opts:   opts,
		state:  st,
		day:    now.Format(dayLayout),
	}, nil
}

// State returns a copy of the current alarm state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolloverLocked(d.clock.Now())
	return d.state
}

// Decision evaluates the engine against the current state at the driver's
// clock without sending anything.
func (d *Driver) Decision() Decision {
	now := d.clock.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rolloverLocked(now)
	return Decide(d.state, d.metrics, now)
}

// Metrics returns the last metrics snapshot.
func (d *Driver) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.metrics
}

// HandleEvent follows the connection lifecycle: a Ready event starts the
// periodic check and runs one immediately, any other state stops it.
func (d *Driver) HandleEvent(e ble.Event) {
	if e.Kind != ble.EventState {
		return
	}
	if e.State == ble.StateReady {
		d.start()
		d.Tick(context.Background())
		return
	}
	d.Stop()
}

func (d *Driver) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	// The manager sends OFF on every connection.
	off := ble.CommandOff
	d.lastSent = &off
	d.scheduleLocked()
}

// Stop cancels the periodic check.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

func (d *Driver) stopLocked() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Driver) scheduleLocked() {
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.opts.CheckInterval, func() {
		d.Tick(context.Background())
		d.mu.Lock()
		defer d.mu.Unlock()
		if gen == d.gen {
			d.scheduleLocked()
		}
	})
}

// Tick evaluates the engine once and transmits the decision when it differs
// from the last command the driver sent. Reminders that stay due are not
// re-sent every tick.
func (d *Driver) Tick(ctx context.Context) {
	if !d.sender.Ready() {
		return
	}
	now := d.clock.Now()

	d.mu.Lock()
	d.rolloverLocked(now)
	dec := Decide(d.state, d.metrics, now)
	if d.lastSent != nil && *d.lastSent == dec.Command {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	slog.Info("[ALARM] decision", "command", dec.Command, "reason", dec.Reason)
	if err := d.sender.Send(ctx, dec.Command); err != nil {
		slog.Warn("[ALARM] send failed", "command", dec.Command, "error", err)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	cmd := dec.Command
	d.lastSent = &cmd
	switch dec.Reason {
	case ReasonWater:
		d.state.WaterAlarmsToday++
	case ReasonMeal:
		d.state.MealAlarmsToday++
	default:
		return
	}
	d.saveLocked()
}

// Update ingests a metrics snapshot. Increases in water glasses or in protein
// or fiber register intakes; goal flags are recomputed and persisted only
// when they change. The first snapshot is a baseline and registers nothing.
func (d *Driver) Update(ctx context.Context, m Metrics) {
	now := d.clock.Now()

	d.mu.Lock()
	d.rolloverLocked(now)
	prev, first := d.metrics, !d.haveMetrics
	d.metrics = m
	d.haveMetrics = true

	var cmds []ble.Command
	pulse := false
	if !first && m.WaterGlasses > prev.WaterGlasses {
		d.state = d.state.RegisterWaterIntake(now)
		d.saveLocked()
		slog.Info("[ALARM] water intake registered", "glasses", m.WaterGlasses)
		pulse = d.opts.PulseOnWater
	}
	if !first && (m.TotalProtein > prev.TotalProtein || m.TotalFiber > prev.TotalFiber) {
		d.state = d.state.RegisterMealIntake(now)
		d.saveLocked()
		slog.Info("[ALARM] meal intake registered", "protein", m.TotalProtein, "fiber", m.TotalFiber)
		if m.NutritionGoalMet() {
			cmds = append(cmds, ble.CommandBalanced)
		} else {
			cmds = append(cmds, ble.CommandUnbalanced)
		}
	}
	if next, changed := RecomputeGoals(d.state, m); changed {
		d.state = next
		d.saveLocked()
		slog.Info("[ALARM] goals changed", "water", next.WaterGoalMet, "nutrition", next.NutritionGoalMet)
		if next.WaterGoalMet && next.NutritionGoalMet {
			cmds = append(cmds, ble.CommandGreatFinish)
		}
	}
	d.mu.Unlock()

	d.transmit(ctx, cmds, pulse)
}

// RegisterWater records a water intake directly.
func (d *Driver) RegisterWater(ctx context.Context) State {
	now := d.clock.Now()
	d.mu.Lock()
	d.rolloverLocked(now)
	d.state = d.state.RegisterWaterIntake(now)
	d.saveLocked()
	st := d.state
	d.mu.Unlock()

	d.transmit(ctx, nil, d.opts.PulseOnWater)
	return st
}

// RegisterMeal records a meal directly and sends balanced or unbalanced
// feedback.
func (d *Driver) RegisterMeal(ctx context.Context, balanced bool) State {
	now := d.clock.Now()
	d.mu.Lock()
	d.rolloverLocked(now)
	d.state = d.state.RegisterMealIntake(now)
	d.metrics.LastMealBalanced = balanced
	d.saveLocked()
	st := d.state
	d.mu.Unlock()

	cmd := ble.CommandUnbalanced
	if balanced {
		cmd = ble.CommandBalanced
	}
	d.transmit(ctx, []ble.Command{cmd}, false)
	return st
}

// transmit sends immediate feedback when the device is connected.
func (d *Driver) transmit(ctx context.Context, cmds []ble.Command, pulse bool) {
	if !d.sender.Ready() {
		return
	}
	for _, cmd := range cmds {
		if err := d.sender.Send(ctx, cmd); err != nil {
			slog.Warn("[ALARM] feedback send failed", "command", cmd, "error", err)
			continue
		}
		d.markSent(cmd)
	}
	if pulse {
		mark := d.markSent(ble.CommandWater)
		go d.pulse(context.WithoutCancel(ctx), mark)
	}
}

// markSent records cmd as the last command shown and returns the record, so
// a later writer can tell whether it was replaced.
func (d *Driver) markSent(cmd ble.Command) *ble.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSent = &cmd
	return d.lastSent
}

// pulse flashes WATER. The device ends on OFF, but a command sent while the
// pulse ran stays the last one recorded.
func (d *Driver) pulse(ctx context.Context, mark *ble.Command) {
	if err := d.sender.Pulse(ctx, ble.CommandWater, d.opts.PulseDuration); err != nil {
		slog.Debug("[ALARM] water pulse failed", "error", err)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastSent == mark {
		off := ble.CommandOff
		d.lastSent = &off
	}
}

// rolloverLocked replaces the state when now falls on a new calendar day.
func (d *Driver) rolloverLocked(now time.Time) {
	today := now.Format(dayLayout)
	if today == d.day {
		return
	}
	st, err := d.store.Reset(now, d.opts.DayStart, d.opts.DayEnd)
	if err != nil {
		slog.Error("[ALARM] reset for new day failed", "error", err)
		st = InitializeState(d.opts.DayStart, d.opts.DayEnd)
	}
	slog.Info("[ALARM] new day", "day", today)
	d.state = st
	d.day = today
}

func (d *Driver) saveLocked() {
	if err := d.store.Save(d.state); err != nil {
		slog.Error("[ALARM] failed to persist state", "error", err)
	}
}
