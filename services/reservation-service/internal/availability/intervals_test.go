package availability

import (
	"testing"
	"time"
)

func TestAvailableSlots_Basic(t *testing.T) {
	loc := time.UTC
	day := time.Date(2026, 1, 28, 0, 0, 0, 0, loc)
	windowStart := time.Date(2026, 1, 28, 9, 0, 0, 0, loc)
	windowEnd := time.Date(2026, 1, 28, 10, 0, 0, 0, loc)

	busy := []Interval{
		{Start: day.Add(9*time.Hour + 15*time.Minute), End: day.Add(9*time.Hour + 45*time.Minute)},
	}

	slots := AvailableSlots(windowStart, windowEnd, 15*time.Minute, 15*time.Minute, busy, day)
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[0].Equal(day.Add(9 * time.Hour)) {
		t.Fatalf("expected first slot 09:00, got %s", slots[0].Format(time.RFC3339))
	}
	if !slots[1].Equal(day.Add(9*time.Hour + 45*time.Minute)) {
		t.Fatalf("expected second slot 09:45, got %s", slots[1].Format(time.RFC3339))
	}
}

func TestAvailableSlots_SkipsPast(t *testing.T) {
	day := time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)
	now := day.Add(9*time.Hour + 31*time.Minute)
	slots := AvailableSlots(day.Add(9*time.Hour), day.Add(10*time.Hour), 15*time.Minute, 15*time.Minute, nil, now)
	// 09:00, 09:15 and 09:30 start before now.
	if len(slots) != 1 || !slots[0].Equal(day.Add(9*time.Hour+45*time.Minute)) {
		t.Fatalf("expected only 09:45, got %v", slots)
	}
}

func TestSubtractBlocks(t *testing.T) {
	day := time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

	tests := []struct {
		name   string
		blocks []Interval
		want   []Interval
	}{
		{name: "no blocks", want: []Interval{{at(9, 0), at(17, 0)}}},
		{
			name:   "outside",
			blocks: []Interval{{at(7, 0), at(9, 0)}, {at(17, 0), at(18, 0)}},
			want:   []Interval{{at(9, 0), at(17, 0)}},
		},
		{
			name:   "lunch",
			blocks: []Interval{{at(12, 0), at(13, 0)}},
			want:   []Interval{{at(9, 0), at(12, 0)}, {at(13, 0), at(17, 0)}},
		},
		{
			name:   "overlapping unsorted",
			blocks: []Interval{{at(14, 0), at(15, 0)}, {at(8, 0), at(10, 0)}, {at(14, 30), at(16, 0)}},
			want:   []Interval{{at(10, 0), at(14, 0)}, {at(16, 0), at(17, 0)}},
		},
		{name: "whole day", blocks: []Interval{{at(0, 0), at(23, 0)}}, want: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := subtractBlocks(at(9, 0), at(17, 0), tc.blocks)
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
			for i := range got {
				if !got[i].Start.Equal(tc.want[i].Start) || !got[i].End.Equal(tc.want[i].End) {
					t.Fatalf("interval %d: expected %v, got %v", i, tc.want[i], got[i])
				}
			}
		})
	}
}
