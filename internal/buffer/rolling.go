// Package buffer holds the fixed-capacity multi-channel sample buffer shared
// by the stability detector and the PSD estimator.
package buffer

import (
	"fmt"
	"math"
)

// Rolling is a fixed-capacity FIFO of time-ordered sample rows. Storage is
// row-major and owned by the buffer; counter tracks rows appended since the
// last Reset and total tracks rows appended since construction.
type Rolling struct {
	fs       float64
	channels int
	capacity int
	data     []float64
	counter  int
	total    int64
}

// NewRolling sizes the buffer to floor(duration*fs) rows.
func NewRolling(fs float64, channels int, duration float64) (*Rolling, error) {
	if fs <= 0 || math.IsInf(fs, 0) || math.IsNaN(fs) {
		return nil, fmt.Errorf("invalid sample rate %v", fs)
	}
	return NewRollingRows(fs, channels, int(math.Floor(duration*fs)))
}

// NewRollingRows sizes the buffer to an explicit row count.
func NewRollingRows(fs float64, channels, rows int) (*Rolling, error) {
	if fs <= 0 {
		return nil, fmt.Errorf("invalid sample rate %v", fs)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channel count %d", channels)
	}
	if rows <= 0 {
		return nil, fmt.Errorf("buffer capacity must be at least one row, got %d", rows)
	}

	return &Rolling{
		fs:       fs,
		channels: channels,
		capacity: rows,
		data:     make([]float64, rows*channels),
	}, nil
}

// Append adds rows at the tail, evicting the oldest rows. When the chunk is
// longer than the capacity only its most recent rows are kept. Every row must
// hold exactly Channels() values; callers validate chunks before appending.
func (b *Rolling) Append(rows [][]float64) {
	n := len(rows)
	if n == 0 {
		return
	}

	for i, row := range rows {
		if len(row) != b.channels {
			panic(fmt.Sprintf("buffer: row %d has %d channels, want %d", i, len(row), b.channels))
		}
	}

	src := rows
	if n >= b.capacity {
		src = rows[n-b.capacity:]
	} else {
		copy(b.data, b.data[n*b.channels:])
	}

	offset := (b.capacity - len(src)) * b.channels
	for _, row := range src {
		copy(b.data[offset:offset+b.channels], row)
		offset += b.channels
	}

	b.counter += n
	b.total += int64(n)
}

// Filled reports whether at least Capacity rows arrived since the last Reset.
func (b *Rolling) Filled() bool {
	return b.counter >= b.capacity
}

// Reset restarts fill accounting. Stored samples stay readable until
// overwritten.
func (b *Rolling) Reset() {
	b.counter = 0
}

// Times returns the timestamps, in seconds since the first appended row, of
// the n most recent rows, oldest first.
func (b *Rolling) Times(n int) []float64 {
	if n <= 0 {
		return nil
	}

	ts := 1 / b.fs
	times := make([]float64, n)
	start := b.total - int64(n)
	for i := range times {
		times[i] = float64(start+int64(i)) * ts
	}

	return times
}

// Columns copies the whole buffer out per channel, oldest row first.
func (b *Rolling) Columns() [][]float64 {
	return b.columns(b.capacity)
}

// Recent copies the rows that have actually been written, at most Capacity,
// per channel.
func (b *Rolling) Recent() [][]float64 {
	return b.columns(b.Len())
}

// Last copies the n most recent rows per channel, clamped to Len.
func (b *Rolling) Last(n int) [][]float64 {
	if n < 0 {
		n = 0
	}
	return b.columns(min(n, b.Len()))
}

func (b *Rolling) columns(n int) [][]float64 {
	cols := make([][]float64, b.channels)
	first := b.capacity - n
	for ch := range cols {
		col := make([]float64, n)
		for i := 0; i < n; i++ {
			col[i] = b.data[(first+i)*b.channels+ch]
		}
		cols[ch] = col
	}

	return cols
}

// Row returns a copy of row i, 0 being the oldest stored row.
func (b *Rolling) Row(i int) []float64 {
	row := make([]float64, b.channels)
	copy(row, b.data[i*b.channels:(i+1)*b.channels])
	return row
}

// Len is the number of valid rows, min(Total, Capacity).
func (b *Rolling) Len() int {
	if b.total < int64(b.capacity) {
		return int(b.total)
	}
	return b.capacity
}

func (b *Rolling) Capacity() int       { return b.capacity }
func (b *Rolling) Channels() int       { return b.channels }
func (b *Rolling) Counter() int        { return b.counter }
func (b *Rolling) Total() int64        { return b.total }
func (b *Rolling) SampleRate() float64 { return b.fs }
