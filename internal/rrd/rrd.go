// Package rrd implements the round-robin metric cache of spec.md §4.I: a
// fixed 70-slot circular buffer per resolution (hour/day/week/month/year),
// a write-through journal so in-RAM updates survive a restart, and a
// temp-then-rename on-disk format per RRD — the same persistence idiom as
// the teacher's internal/chunk/file/meta_store.go.
//
// Grounded on original_source/src/rrd/rrd.rs for the slot-rotation and
// weighted-average math, and original_source/proxmox-rrd/src/cache.rs for
// the journal-then-apply cache semantics (see cache.go).
package rrd

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Slots is the fixed number of entries per resolution (spec.md §4.I).
const Slots = 70

// Resolution step sizes, in seconds per slot. spec.md names the five
// resolutions but leaves their exact step sizes unspecified (an Open
// Question, see DESIGN.md); these mirror the shape of Proxmox's RRD grid
// (a short, fine-grained window down to a long, coarse one).
const (
	ResolutionHour  int64 = 60              // 70 slots spans ~70 minutes
	ResolutionDay   int64 = 30 * 60         // 70 slots spans ~35 hours
	ResolutionWeek  int64 = 3 * 60 * 60     // 70 slots spans ~8.75 days
	ResolutionMonth int64 = 6 * 60 * 60     // 70 slots spans ~17.5 days
	ResolutionYear  int64 = 7 * 24 * 60 * 60 // 70 slots spans ~16 months
)

// DST is the data source type recorded alongside a sample. Per
// original_source/src/rrd/rrd.rs, it does not change the slot-rotation
// math itself — it is recorded in the journal only, not in the RRD or
// its persisted binary format.
type DST int

const (
	DSTGauge DST = iota
	DSTDerive
)

// Mode selects which aggregate Extract reports for a slot.
type Mode int

const (
	ModeMax Mode = iota
	ModeAverage
)

// ErrFormat is returned by UnmarshalBinary when the on-disk data is the wrong size
// for the fixed binary layout.
var ErrFormat = fmt.Errorf("rrd: wrong data size")

// Slot holds one bucket's running aggregate.
type Slot struct {
	Max     float64
	Average float64
	Count   uint64
}

// RRD is one metric's round-robin state across all five resolutions.
type RRD struct {
	LastUpdate float64 // epoch seconds of the most recent Update

	Hour  [Slots]Slot
	Day   [Slots]Slot
	Week  [Slots]Slot
	Month [Slots]Slot
	Year  [Slots]Slot
}

// New returns a zero-initialized RRD.
func New() *RRD {
	return &RRD{}
}

// Update folds (epoch, value) into every resolution's current slot,
// zeroing any slot that has aged out of its 70-slot window since
// LastUpdate (spec.md §4.I: "moving from last_update to epoch zeroes
// slots that fall before the window").
func (r *RRD) Update(epoch, value float64) {
	last := r.LastUpdate
	roll(&r.Hour, ResolutionHour, last, epoch, value)
	roll(&r.Day, ResolutionDay, last, epoch, value)
	roll(&r.Week, ResolutionWeek, last, epoch, value)
	roll(&r.Month, ResolutionMonth, last, epoch, value)
	roll(&r.Year, ResolutionYear, last, epoch, value)
	r.LastUpdate = epoch
}

func roll(data *[Slots]Slot, resoSeconds int64, lastEpoch, epoch, value float64) {
	reso := resoSeconds
	last := int64(lastEpoch)
	now := int64(epoch)
	minTime := now - Slots*reso

	t := last
	index := int(mod(t/reso, Slots))
	for i := 0; i < Slots; i++ {
		if t < minTime {
			data[index] = Slot{}
		}
		t += reso
		index = (index + 1) % Slots
	}

	idx := int(mod(now/reso, Slots))
	data[idx] = accumulate(data[idx], value)
}

func accumulate(s Slot, value float64) Slot {
	if s.Count == 0 {
		return Slot{Max: value, Average: value, Count: 1}
	}
	newCount := s.Count + 1
	max := s.Max
	if value > max {
		max = value
	}
	avg := (s.Average*float64(s.Count) + value) / float64(newCount)
	return Slot{Max: max, Average: avg, Count: newCount}
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Point is one Extract result: a slot aligned to a resolution's grid,
// with Valid false where the slot falls outside the RRD's live window or
// was never written.
type Point struct {
	Time  float64
	Value float64
	Valid bool
}

// Extract returns a resolution's 70-slot grid aligned to epoch, in mode
// (max or average). Slots before last_update-70*reso or after last_update
// are reported invalid (null), per spec.md §4.I.
func (r *RRD) Extract(resoSeconds int64, epoch float64, mode Mode) []Point {
	data := r.dataFor(resoSeconds)
	reso := resoSeconds

	end := reso * (int64(epoch) / reso)
	start := end - reso*Slots

	rrdEnd := reso * (int64(r.LastUpdate) / reso)
	rrdStart := rrdEnd - reso*Slots

	points := make([]Point, Slots)
	t := start
	index := int(mod(t/reso, Slots))
	for i := 0; i < Slots; i++ {
		if t < rrdStart || t > rrdEnd {
			points[i] = Point{Time: float64(t)}
		} else {
			e := data[index]
			if e.Count == 0 {
				points[i] = Point{Time: float64(t)}
			} else {
				v := e.Average
				if mode == ModeMax {
					v = e.Max
				}
				points[i] = Point{Time: float64(t), Value: v, Valid: true}
			}
		}
		t += reso
		index = (index + 1) % Slots
	}
	return points
}

func (r *RRD) dataFor(resoSeconds int64) *[Slots]Slot {
	switch resoSeconds {
	case ResolutionHour:
		return &r.Hour
	case ResolutionDay:
		return &r.Day
	case ResolutionWeek:
		return &r.Week
	case ResolutionMonth:
		return &r.Month
	case ResolutionYear:
		return &r.Year
	default:
		panic(fmt.Sprintf("rrd: unknown resolution %d", resoSeconds))
	}
}

const slotSize = 8 + 8 + 8 // max, average float64 + count uint64
const recordSize = 8 + 5*Slots*slotSize

// MarshalBinary encodes r in the fixed little-endian layout of spec.md
// §4.I: {u64 last_update}{hour[70]}{day[70]}{week[70]}{month[70]}{year[70]},
// each slot {f64 max; f64 average; u64 count}.
func (r *RRD) MarshalBinary() []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.LastUpdate))
	off := 8
	for _, arr := range [][Slots]Slot{r.Hour, r.Day, r.Week, r.Month, r.Year} {
		for _, s := range arr {
			binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(s.Max))
			binary.LittleEndian.PutUint64(buf[off+8:off+16], math.Float64bits(s.Average))
			binary.LittleEndian.PutUint64(buf[off+16:off+24], s.Count)
			off += slotSize
		}
	}
	return buf
}

// UnmarshalBinary decodes data written by MarshalBinary. It returns
// ErrFormat if data is not exactly the expected fixed size.
func (r *RRD) UnmarshalBinary(data []byte) error {
	if len(data) != recordSize {
		return fmt.Errorf("%w: got %d, want %d", ErrFormat, len(data), recordSize)
	}
	r.LastUpdate = float64(binary.LittleEndian.Uint64(data[0:8]))
	off := 8
	arrays := []*[Slots]Slot{&r.Hour, &r.Day, &r.Week, &r.Month, &r.Year}
	for _, arr := range arrays {
		for i := 0; i < Slots; i++ {
			max := math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
			avg := math.Float64frombits(binary.LittleEndian.Uint64(data[off+8 : off+16]))
			count := binary.LittleEndian.Uint64(data[off+16 : off+24])
			arr[i] = Slot{Max: max, Average: avg, Count: count}
			off += slotSize
		}
	}
	return nil
}
