package alarm

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chaz8081/lumid/internal/ble"
)

// Alarm thresholds.
const (
	FirstWaterDelay   = 90 * time.Minute
	RepeatWaterDelay  = 30 * time.Minute
	MealInterval      = 5 * time.Hour
	FirstMealHour     = 9
	JustLoggedWindow  = 5 * time.Second
	GreatFinishCutoff = 80.0
)

// Decision reasons.
const (
	ReasonDayEnd       = "day-end"
	ReasonWater        = "water-alarm"
	ReasonMeal         = "meal-alarm"
	ReasonMealFeedback = "meal-feedback"
	ReasonGoalsMet     = "goals-met"
	ReasonIdle         = "idle"
)

// Decision is the command the indicator should show and why.
type Decision struct {
	Command ble.Command
	Reason  string
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("alarm: invalid time %q, want HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return 0, fmt.Errorf("alarm: invalid hour in %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 || len(m) != 2 {
		return 0, fmt.Errorf("alarm: invalid minute in %q", s)
	}
	return hh*60 + mm, nil
}

// at returns now's day at the given "HH:MM", in now's location.
func at(now time.Time, hhmm string) (time.Time, bool) {
	mins, err := ParseClock(hhmm)
	if err != nil {
		return time.Time{}, false
	}
	y, mo, d := now.Date()
	return time.Date(y, mo, d, mins/60, mins%60, 0, 0, now.Location()), true
}

// ShouldTriggerWater reports whether the water reminder is due.
func ShouldTriggerWater(s State, now time.Time) bool {
	if s.WaterGoalMet {
		return false
	}
	if s.LastWaterTime == nil {
		start, ok := at(now, s.DayStartTime)
		return ok && now.Sub(start) >= FirstWaterDelay
	}
	since := now.Sub(*s.LastWaterTime)
	if s.WaterAlarmsToday > 0 {
		return since >= RepeatWaterDelay
	}
	return since >= FirstWaterDelay
}

// ShouldTriggerMeal reports whether the meal reminder is due.
func ShouldTriggerMeal(s State, now time.Time) bool {
	if s.NutritionGoalMet {
		return false
	}
	if s.LastMealTime == nil {
		return now.Hour() >= FirstMealHour
	}
	return now.Sub(*s.LastMealTime) >= MealInterval
}

// ShouldTriggerDayEnd reports whether the local clock reached the day end.
func ShouldTriggerDayEnd(s State, now time.Time) bool {
	end, err := ParseClock(s.DayEndTime)
	if err != nil {
		return false
	}
	return now.Hour()*60+now.Minute() >= end
}

// DayEndCommand grades the day from water and nutrition progress.
func DayEndCommand(waterPct, nutritionPct float64) ble.Command {
	if (waterPct+nutritionPct)/2 >= GreatFinishCutoff {
		return ble.CommandGreatFinish
	}
	return ble.CommandBadFinish
}

// Decide picks the command to show, highest priority first: day end, water
// alarm, meal alarm, feedback on a meal logged moments ago, both goals met,
// and otherwise OFF.
func Decide(s State, m Metrics, now time.Time) Decision {
	switch {
	case ShouldTriggerDayEnd(s, now):
		return Decision{Command: DayEndCommand(m.WaterPercent(), m.NutritionPercent()), Reason: ReasonDayEnd}
	case ShouldTriggerWater(s, now):
		return Decision{Command: ble.CommandWater, Reason: ReasonWater}
	case ShouldTriggerMeal(s, now):
		return Decision{Command: ble.CommandUnbalanced, Reason: ReasonMeal}
	case s.LastMealTime != nil && now.Sub(*s.LastMealTime) < JustLoggedWindow:
		if m.LastMealBalanced {
			return Decision{Command: ble.CommandBalanced, Reason: ReasonMealFeedback}
		}
		return Decision{Command: ble.CommandUnbalanced, Reason: ReasonMealFeedback}
	case s.WaterGoalMet && s.NutritionGoalMet:
		return Decision{Command: ble.CommandGreatFinish, Reason: ReasonGoalsMet}
	}
	return Decision{Command: ble.CommandOff, Reason: ReasonIdle}
}

// Alarm reports whether d is a reminder that counts against the day's alarm
// counters.
func (d Decision) Alarm() bool {
	return d.Reason == ReasonWater || d.Reason == ReasonMeal
}

// RecomputeGoals updates the goal flags from m. changed is false when both
// flags already matched, in which case s is returned untouched.
func RecomputeGoals(s State, m Metrics) (next State, changed bool) {
	water, nutrition := m.WaterGoalMet(), m.NutritionGoalMet()
	if s.WaterGoalMet == water && s.NutritionGoalMet == nutrition {
		return s, false
	}
	s.WaterGoalMet = water
	s.NutritionGoalMet = nutrition
	return s, true
}
