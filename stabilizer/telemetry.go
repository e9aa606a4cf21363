package stabilizer

import "time"

// Sample is a detector reading stamped at the point of measurement
type Sample struct {
	Time    time.Time `json:"time"`
	Voltage float64   `json:"voltage"`
}

// Record is one actuation of the loop
type Record struct {
	Time    time.Time `json:"time"`
	Voltage float64   `json:"voltage"`
	Error   float64   `json:"error"`
	Output  float64   `json:"output"`
	Target  float64   `json:"target"`
}

// ring is a fixed size circular buffer of Records.  It is not concurrent safe.
type ring struct {
	buf    []Record
	cursor int
	filled bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]Record, size)}
}

// Append adds a value to the buffer, overwriting the oldest if full
func (r *ring) Append(rec Record) {
	if len(r.buf) == 0 {
		return
	}
	if r.cursor == len(r.buf) {
		r.cursor = 0
		r.filled = true
	}
	r.buf[r.cursor] = rec
	r.cursor++
}

// Len is the number of records held
func (r *ring) Len() int {
	if r.filled {
		return len(r.buf)
	}
	return r.cursor
}

// Contiguous returns a copy of the records from least to most recent
func (r *ring) Contiguous() []Record {
	out := make([]Record, 0, r.Len())
	if r.filled {
		out = append(out, r.buf[r.cursor:]...)
	}
	return append(out, r.buf[:r.cursor]...)
}
