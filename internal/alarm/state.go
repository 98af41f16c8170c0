// Package alarm decides which indicator command the Lumi should show from the
// day's intake history and live nutrition metrics, and drives the decision
// periodically while the device is connected.
package alarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chaz8081/lumid/internal/kv"
)

// dayLayout formats the last-reset day marker.
const dayLayout = "2006-01-02"

// State is the persisted alarm bookkeeping for one calendar day.
type State struct {
	LastWaterTime    *time.Time `json:"lastWaterTime"`
	LastMealTime     *time.Time `json:"lastMealTime"`
	WaterAlarmsToday int        `json:"waterAlarmsToday"`
	MealAlarmsToday  int        `json:"mealAlarmsToday"`
	DayStartTime     string     `json:"dayStartTime"` // "HH:MM"
	DayEndTime       string     `json:"dayEndTime"`   // "HH:MM"
	WaterGoalMet     bool       `json:"waterGoalMet"`
	NutritionGoalMet bool       `json:"nutritionGoalMet"`
}

// InitializeState returns a fresh state for a new day.
func InitializeState(dayStart, dayEnd string) State {
	return State{DayStartTime: dayStart, DayEndTime: dayEnd}
}

// RegisterWaterIntake records a water intake at now and clears the water
// alarm counter.
func (s State) RegisterWaterIntake(now time.Time) State {
	t := now
	s.LastWaterTime = &t
	s.WaterAlarmsToday = 0
	return s
}

// RegisterMealIntake records a meal at now and clears the meal alarm counter.
func (s State) RegisterMealIntake(now time.Time) State {
	t := now
	s.LastMealTime = &t
	s.MealAlarmsToday = 0
	return s
}

// Metrics is a snapshot of the day's nutrition tracking, supplied by the
// caller. It is never persisted here.
type Metrics struct {
	WaterGlasses     int     `json:"waterGlasses"`
	DailyWaterGoal   int     `json:"dailyWaterGoal"`
	TotalProtein     float64 `json:"totalProtein"`
	TotalFiber       float64 `json:"totalFiber"`
	DailyProteinGoal float64 `json:"dailyProteinGoal"`
	DailyFiberGoal   float64 `json:"dailyFiberGoal"`
	LastMealBalanced bool    `json:"lastMealBalanced"`
}

// goalMetRatio is the share of a nutrition target that counts as met.
const goalMetRatio = 0.8

func percent(v, goal float64) float64 {
	if goal <= 0 {
		return 100
	}
	return v / goal * 100
}

// WaterPercent is water progress against the goal. A missing goal counts as
// complete.
func (m Metrics) WaterPercent() float64 {
	return percent(float64(m.WaterGlasses), float64(m.DailyWaterGoal))
}

// NutritionPercent averages protein and fiber progress.
func (m Metrics) NutritionPercent() float64 {
	return (percent(m.TotalProtein, m.DailyProteinGoal) + percent(m.TotalFiber, m.DailyFiberGoal)) / 2
}

func (m Metrics) WaterGoalMet() bool { return m.WaterGlasses >= m.DailyWaterGoal }

// NutritionGoalMet reports whether protein and fiber each reached 80% of
// their targets. A meal that brings both there is balanced.
func (m Metrics) NutritionGoalMet() bool {
	return m.TotalProtein >= m.DailyProteinGoal*goalMetRatio &&
		m.TotalFiber >= m.DailyFiberGoal*goalMetRatio
}

// Store persists State through a kv.Store and resets it on day rollover.
type Store struct {
	kv kv.Store
}

func NewStore(s kv.Store) *Store {
	return &Store{kv: s}
}

// Load returns the current state. On the first load of a calendar day, or when
// no valid state is stored, a fresh state replaces whatever was there. The
// configured day bounds always override the stored ones.
func (s *Store) Load(now time.Time, dayStart, dayEnd string) (State, error) {
	today := now.Format(dayLayout)
	marker, err := s.kv.Get(kv.KeyAlarmLastReset)
	switch {
	case errors.Is(err, kv.ErrNotFound):
		return s.Reset(now, dayStart, dayEnd)
	case err != nil:
		return State{}, fmt.Errorf("alarm: read reset marker: %w", err)
	case marker != today:
		slog.Info("[ALARM] new day, resetting alarms", "previous", marker, "today", today)
		return s.Reset(now, dayStart, dayEnd)
	}

	raw, err := s.kv.Get(kv.KeyAlarmState)
	if errors.Is(err, kv.ErrNotFound) {
		return s.Reset(now, dayStart, dayEnd)
	}
	if err != nil {
		return State{}, fmt.Errorf("alarm: read state: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		slog.Warn("[ALARM] stored state is corrupt, resetting", "error", err)
		return s.Reset(now, dayStart, dayEnd)
	}
	st.DayStartTime = dayStart
	st.DayEndTime = dayEnd
	return st, nil
}

// Reset replaces the stored state with a fresh one for now's day.
func (s *Store) Reset(now time.Time, dayStart, dayEnd string) (State, error) {
	st := InitializeState(dayStart, dayEnd)
	if err := s.Save(st); err != nil {
		return State{}, err
	}
	if err := s.kv.Set(kv.KeyAlarmLastReset, now.Format(dayLayout)); err != nil {
		return State{}, fmt.Errorf("alarm: write reset marker: %w", err)
	}
	return st, nil
}

// Save writes st as a whole.
func (s *Store) Save(st State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("alarm: encode state: %w", err)
	}
	if err := s.kv.Set(kv.KeyAlarmState, string(b)); err != nil {
		return fmt.Errorf("alarm: write state: %w", err)
	}
	return nil
}
