package alarm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/chaz8081/lumid/internal/kv"
)

func statesEqual(a, b State) bool {
	timeEq := func(x, y *time.Time) bool {
		if x == nil || y == nil {
			return x == nil && y == nil
		}
		return x.Equal(*y)
	}
	return timeEq(a.LastWaterTime, b.LastWaterTime) &&
		timeEq(a.LastMealTime, b.LastMealTime) &&
		a.WaterAlarmsToday == b.WaterAlarmsToday &&
		a.MealAlarmsToday == b.MealAlarmsToday &&
		a.DayStartTime == b.DayStartTime &&
		a.DayEndTime == b.DayEndTime &&
		a.WaterGoalMet == b.WaterGoalMet &&
		a.NutritionGoalMet == b.NutritionGoalMet
}

func TestStoreFirstLoadInitializes(t *testing.T) {
	mem := kv.NewMemory()
	st, err := NewStore(mem).Load(clockAt("07:00"), "08:00", "21:00")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !statesEqual(st, InitializeState("08:00", "21:00")) {
		t.Errorf("Load() = %+v, want fresh state", st)
	}
	if marker, _ := mem.Get(kv.KeyAlarmLastReset); marker != "2026-03-02" {
		t.Errorf("reset marker = %q, want 2026-03-02", marker)
	}
}

func TestStorePersistsAcrossRestartSameDay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lumid.db")
	db, err := kv.OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}

	store := NewStore(db)
	if _, err := store.Load(clockAt("08:00"), "08:00", "21:00"); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := State{
		LastWaterTime:    ptr(clockAt("10:15")),
		LastMealTime:     ptr(clockAt("12:40")),
		WaterAlarmsToday: 2,
		MealAlarmsToday:  1,
		DayStartTime:     "08:00",
		DayEndTime:       "21:00",
		WaterGoalMet:     true,
		NutritionGoalMet: false,
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	db.Close()

	db, err = kv.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer db.Close()
	got, err := NewStore(db).Load(clockAt("18:00"), "08:00", "21:00")
	if err != nil {
		t.Fatalf("Load() after restart error = %v", err)
	}
	if !statesEqual(got, want) {
		t.Errorf("Load() after restart = %+v, want %+v", got, want)
	}
}

func TestStoreReplacesOnNewDay(t *testing.T) {
	mem := kv.NewMemory()
	store := NewStore(mem)
	if _, err := store.Load(clockAt("08:00"), "08:00", "21:00"); err != nil {
		t.Fatal(err)
	}
	store.Save(State{WaterAlarmsToday: 4, WaterGoalMet: true, DayStartTime: "08:00", DayEndTime: "21:00"})

	tomorrow := clockAt("06:00").AddDate(0, 0, 1)
	got, err := store.Load(tomorrow, "08:00", "21:00")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !statesEqual(got, InitializeState("08:00", "21:00")) {
		t.Errorf("Load() on new day = %+v, want fresh state", got)
	}
	if marker, _ := mem.Get(kv.KeyAlarmLastReset); marker != "2026-03-03" {
		t.Errorf("reset marker = %q, want 2026-03-03", marker)
	}
}

func TestStoreConfiguredBoundsOverride(t *testing.T) {
	mem := kv.NewMemory()
	store := NewStore(mem)
	store.Load(clockAt("08:00"), "08:00", "21:00")

	got, err := store.Load(clockAt("09:00"), "07:30", "22:00")
	if err != nil {
		t.Fatal(err)
	}
	if got.DayStartTime != "07:30" || got.DayEndTime != "22:00" {
		t.Errorf("bounds = %s-%s, want 07:30-22:00", got.DayStartTime, got.DayEndTime)
	}
}

func TestStoreCorruptStateResets(t *testing.T) {
	mem := kv.NewMemory()
	mem.Set(kv.KeyAlarmLastReset, "2026-03-02")
	mem.Set(kv.KeyAlarmState, "{not json")

	got, err := NewStore(mem).Load(clockAt("09:00"), "08:00", "21:00")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !statesEqual(got, InitializeState("08:00", "21:00")) {
		t.Errorf("Load() = %+v, want fresh state", got)
	}
}

func TestRegisterIntakeResetsCounters(t *testing.T) {
	s := InitializeState("08:00", "21:00")
	s.WaterAlarmsToday, s.MealAlarmsToday = 3, 2

	w := s.RegisterWaterIntake(clockAt("11:00"))
	if w.WaterAlarmsToday != 0 || w.LastWaterTime == nil || !w.LastWaterTime.Equal(clockAt("11:00")) {
		t.Errorf("RegisterWaterIntake() = %+v", w)
	}
	if w.MealAlarmsToday != 2 {
		t.Errorf("meal counter changed: %d", w.MealAlarmsToday)
	}
	if s.LastWaterTime != nil {
		t.Error("RegisterWaterIntake mutated its receiver")
	}

	m := s.RegisterMealIntake(clockAt("12:00"))
	if m.MealAlarmsToday != 0 || m.LastMealTime == nil {
		t.Errorf("RegisterMealIntake() = %+v", m)
	}
}
