package rrd

import (
	"bytes"
	"testing"
)

func TestUpdateAccumulatesMaxAndAverage(t *testing.T) {
	r := New()
	base := float64(1_700_000_000)
	r.Update(base, 10)
	r.Update(base+1, 20)
	r.Update(base+2, 30)

	idx := int(mod((int64(base+2))/ResolutionHour, Slots))
	slot := r.Hour[idx]
	if slot.Count != 3 {
		t.Fatalf("Count = %d, want 3", slot.Count)
	}
	if slot.Max != 30 {
		t.Errorf("Max = %v, want 30", slot.Max)
	}
	want := (10.0 + 20.0 + 30.0) / 3.0
	if slot.Average != want {
		t.Errorf("Average = %v, want %v", slot.Average, want)
	}
}

func TestUpdateZeroesAgedOutSlots(t *testing.T) {
	r := New()
	base := float64(1_700_000_000)
	r.Update(base, 5)

	idx := int(mod(int64(base)/ResolutionHour, Slots))
	if r.Hour[idx].Count != 1 {
		t.Fatalf("expected first update to land in a fresh slot")
	}

	// Jump far enough ahead that the whole 70-slot hour window has aged out.
	future := base + float64(Slots+5)*float64(ResolutionHour)
	r.Update(future, 99)

	if r.Hour[idx].Count != 0 {
		t.Errorf("expected the original slot to be zeroed after aging out, got count=%d", r.Hour[idx].Count)
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	r := New()
	r.Update(1_700_000_000, 1)
	r.Update(1_700_000_060, 2)
	r.Update(1_700_003_600, 3)

	data := r.MarshalBinary()
	if len(data) != recordSize {
		t.Fatalf("MarshalBinary produced %d bytes, want %d", len(data), recordSize)
	}

	var loaded RRD
	if err := loaded.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if loaded.LastUpdate != r.LastUpdate {
		t.Errorf("LastUpdate = %v, want %v", loaded.LastUpdate, r.LastUpdate)
	}
	if !bytes.Equal(data, loaded.MarshalBinary()) {
		t.Error("round trip did not reproduce identical bytes")
	}
}

func TestUnmarshalRejectsWrongSize(t *testing.T) {
	var r RRD
	err := r.UnmarshalBinary(make([]byte, 10))
	if err == nil {
		t.Fatal("expected an error for undersized data")
	}
}

func TestExtractMarksSlotsOutsideWindowInvalid(t *testing.T) {
	r := New()
	base := float64(1_700_000_000)
	r.Update(base, 42)

	points := r.Extract(ResolutionHour, base, ModeAverage)
	if len(points) != Slots {
		t.Fatalf("got %d points, want %d", len(points), Slots)
	}

	var validCount int
	for _, p := range points {
		if p.Valid {
			validCount++
			if p.Value != 42 {
				t.Errorf("valid point value = %v, want 42", p.Value)
			}
		}
	}
	if validCount != 1 {
		t.Errorf("expected exactly one valid point, got %d", validCount)
	}
}

func TestExtractMaxVsAverageMode(t *testing.T) {
	r := New()
	base := float64(1_700_000_000)
	r.Update(base, 10)
	r.Update(base+1, 50)

	maxPoints := r.Extract(ResolutionHour, base+1, ModeMax)
	avgPoints := r.Extract(ResolutionHour, base+1, ModeAverage)

	var gotMax, gotAvg float64
	for i, p := range maxPoints {
		if p.Valid {
			gotMax = p.Value
			gotAvg = avgPoints[i].Value
		}
	}
	if gotMax != 50 {
		t.Errorf("max mode = %v, want 50", gotMax)
	}
	if gotAvg != 30 {
		t.Errorf("average mode = %v, want 30", gotAvg)
	}
}
