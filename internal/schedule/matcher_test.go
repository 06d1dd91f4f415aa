package schedule

import (
	"context"
	"testing"
	"time"

	"rfidattend/internal/directory"
	"rfidattend/internal/scan"
)

// fakeDirectory serves canned slots and records the query it received.
type fakeDirectory struct {
	directory.Directory
	slots       []directory.ScheduleSlot
	gotDay      time.Weekday
	gotMinutes  int
	queriesMade int
}

func (f *fakeDirectory) FindActiveSlots(_ context.Context, _ int64, day time.Weekday, minutes int) ([]directory.ScheduleSlot, error) {
	f.gotDay = day
	f.gotMinutes = minutes
	f.queriesMade++
	return f.slots, nil
}

func TestMatchSingleSlot(t *testing.T) {
	dir := &fakeDirectory{slots: []directory.ScheduleSlot{
		{SlotID: 7, RoomID: "R1", StartMinutes: 480, EndMinutes: 540},
	}}
	m := NewMatcher(dir, time.UTC)

	slot, flags, err := m.Match(context.Background(), 1, time.Date(2026, 3, 2, 8, 10, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if slot == nil || slot.SlotID != 7 {
		t.Fatalf("Match() slot = %+v, want slot 7", slot)
	}
	if len(flags) != 0 {
		t.Errorf("unexpected flags %v", flags)
	}
	if dir.gotDay != time.Monday || dir.gotMinutes != 490 {
		t.Errorf("query day=%v minutes=%d, want Monday 490", dir.gotDay, dir.gotMinutes)
	}
}

func TestMatchNoActiveSlot(t *testing.T) {
	m := NewMatcher(&fakeDirectory{}, time.UTC)
	slot, _, err := m.Match(context.Background(), 1, time.Now())
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if slot != nil {
		t.Errorf("Match() = %+v, want nil for no active slot", slot)
	}
}

func TestMatchTieBreak(t *testing.T) {
	tests := []struct {
		name     string
		slots    []directory.ScheduleSlot
		wantSlot int64
	}{
		{
			name: "earliest start wins",
			slots: []directory.ScheduleSlot{
				{SlotID: 2, StartMinutes: 490, EndMinutes: 560},
				{SlotID: 9, StartMinutes: 480, EndMinutes: 540},
			},
			wantSlot: 9,
		},
		{
			name: "lowest id on equal start",
			slots: []directory.ScheduleSlot{
				{SlotID: 12, StartMinutes: 480, EndMinutes: 540},
				{SlotID: 3, StartMinutes: 480, EndMinutes: 600},
			},
			wantSlot: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMatcher(&fakeDirectory{slots: tt.slots}, time.UTC)
			slot, flags, err := m.Match(context.Background(), 1, time.Date(2026, 3, 2, 8, 15, 0, 0, time.UTC))
			if err != nil {
				t.Fatalf("Match() error = %v", err)
			}
			if slot.SlotID != tt.wantSlot {
				t.Errorf("Match() slot = %d, want %d", slot.SlotID, tt.wantSlot)
			}
			found := false
			for _, f := range flags {
				if f == scan.FlagAmbiguousMatch {
					found = true
				}
			}
			if !found {
				t.Error("overlapping slots should flag ambiguous_match")
			}
		})
	}
}

func TestMatchTimezoneDayBoundary(t *testing.T) {
	// 23:30 Sunday in UTC-5 is 04:30 Monday UTC; the matcher must query
	// the institution's weekday, not UTC's.
	loc := time.FixedZone("UTC-5", -5*3600)
	dir := &fakeDirectory{}
	m := NewMatcher(dir, loc)

	_, _, err := m.Match(context.Background(), 1, time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if dir.gotDay != time.Sunday {
		t.Errorf("query day = %v, want Sunday (institution tz)", dir.gotDay)
	}
	if dir.gotMinutes != 23*60+30 {
		t.Errorf("query minutes = %d, want %d", dir.gotMinutes, 23*60+30)
	}
}

func TestDay(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	m := NewMatcher(&fakeDirectory{}, loc)
	got := m.Day(time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC))
	if got != "2026-03-01" {
		t.Errorf("Day() = %s, want 2026-03-01", got)
	}
}
