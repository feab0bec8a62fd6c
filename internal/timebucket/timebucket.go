// Package timebucket maps position maturities onto the 1-indexed buckets of a
// 256-bit position mask and back, relative to a per-account reference time.
//
// The mask is split into four chunks of increasing granularity:
//
//	Day      buckets   1..90   one bucket per day,     up to  90 days out
//	Week     buckets  91..135  one bucket per 6 days,  up to 360 days out
//	Month    buckets 136..195  one bucket per 30 days, up to 2160 days out
//	Quarter  buckets 196..256  one bucket per 90 days, up to 7200 days out
//
// Coarse buckets are aligned to absolute multiples of their granularity, so a
// maturity that is exact under one reference time stays exact under any later
// one (it can only move into a finer chunk).
package timebucket

import (
	"fmt"

	"github.com/atmx/position-ledger/internal/model"
)

// Protocol time constants, in seconds. The protocol uses a 360-day year.
const (
	Day     int64 = 86400
	Week          = 6 * Day
	Month         = 30 * Day
	Quarter       = 90 * Day
	Year          = 360 * Day
)

// MaxBucket is the highest bucket number. It is never exact.
const MaxBucket = 256

// Chunk identifies one time-resolution range of the mask.
type Chunk uint8

const (
	ChunkDay Chunk = iota
	ChunkWeek
	ChunkMonth
	ChunkQuarter
)

type chunkLayout struct {
	name        string
	first, last int   // bucket range, inclusive
	days        int64 // granularity in days
	minDays     int64 // exclusive lower bound of the day offset served
	maxDays     int64 // inclusive upper bound of the day offset served
}

var chunkLayouts = [...]chunkLayout{
	ChunkDay:     {"day", 1, 90, 1, 0, 90},
	ChunkWeek:    {"week", 91, 135, 6, 90, 360},
	ChunkMonth:   {"month", 136, 195, 30, 360, 2160},
	ChunkQuarter: {"quarter", 196, 256, 90, 2160, 7200},
}

// Chunks lists every chunk from finest to coarsest.
func Chunks() []Chunk {
	return []Chunk{ChunkDay, ChunkWeek, ChunkMonth, ChunkQuarter}
}

func (c Chunk) FirstBucket() int { return chunkLayouts[c].first }
func (c Chunk) LastBucket() int  { return chunkLayouts[c].last }

// Granularity returns the width of one bucket of the chunk, in seconds.
func (c Chunk) Granularity() int64 { return chunkLayouts[c].days * Day }

// MaxDays is the furthest day offset from the reference the chunk can address.
func (c Chunk) MaxDays() int64 { return chunkLayouts[c].maxDays }

func (c Chunk) String() string { return chunkLayouts[c].name }

// ChunkOf returns the chunk that contains bucket.
func ChunkOf(bucket int) (Chunk, bool) {
	for _, c := range Chunks() {
		if bucket >= c.FirstBucket() && bucket <= c.LastBucket() {
			return c, true
		}
	}
	return 0, false
}

// UTC0 truncates t to the start of its day.
func UTC0(t int64) int64 {
	return t - t%Day
}

// QuarterReference truncates t to the start of its quarter.
func QuarterReference(t int64) int64 {
	return t - t%Quarter
}

// BucketFromMaturity returns the bucket addressing maturity under
// referenceTime. exact is false when the maturity is not day aligned, is not
// after the reference day, lies beyond the last chunk, or falls between two
// buckets of a coarse chunk; in the last case the returned bucket is the one
// just below the maturity.
func BucketFromMaturity(referenceTime, maturity int64) (bucket int, exact bool) {
	ref := UTC0(referenceTime)
	if maturity%Day != 0 || maturity <= ref {
		return 0, false
	}

	days := (maturity - ref) / Day
	if days <= chunkLayouts[ChunkDay].maxDays {
		return int(days), true
	}

	for _, c := range []Chunk{ChunkWeek, ChunkMonth, ChunkQuarter} {
		l := chunkLayouts[c]
		if days > l.maxDays {
			continue
		}
		// Offset in days from the granularity-aligned start of the chunk.
		offset := days - l.minDays + (ref%c.Granularity())/Day
		return l.first - 1 + int(offset/l.days), offset%l.days == 0
	}

	return MaxBucket, false
}

// MaturityFromBucket is the inverse of BucketFromMaturity for every bucket it
// reports as exact.
func MaturityFromBucket(referenceTime int64, bucket int) (int64, error) {
	c, ok := ChunkOf(bucket)
	if !ok {
		return 0, fmt.Errorf("%w: bucket %d out of range", model.ErrEncodingViolation, bucket)
	}

	ref := UTC0(referenceTime)
	l := chunkLayouts[c]
	if c == ChunkDay {
		return ref + int64(bucket)*Day, nil
	}

	// Back up from the end of the previous chunk to a granularity boundary.
	start := ref + l.minDays*Day - ref%c.Granularity()
	return start + int64(bucket-(l.first-1))*c.Granularity(), nil
}

// MaturityIsExact reports whether maturity lands exactly on a bucket.
func MaturityIsExact(referenceTime, maturity int64) bool {
	_, exact := BucketFromMaturity(referenceTime, maturity)
	return exact
}

// TradedMarketLength returns the tenor of the 1-based market index.
func TradedMarketLength(marketIndex int) (int64, error) {
	switch marketIndex {
	case 1:
		return Quarter, nil
	case 2:
		return 2 * Quarter, nil
	case 3:
		return Year, nil
	case 4:
		return 2 * Year, nil
	case 5:
		return 5 * Year, nil
	case 6:
		return 10 * Year, nil
	case 7:
		return 20 * Year, nil
	}
	return 0, fmt.Errorf("%w: market index %d", model.ErrInvalidPosition, marketIndex)
}
