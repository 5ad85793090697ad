package bridge

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

const maxEventSize = 16 << 20

// Reader decodes an event stream.
type Reader struct {
	sc   *bufio.Scanner
	line int
}

// NewReader reads events from r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &Reader{sc: sc}
}

// Next returns the next valid event, or io.EOF at the end of the stream.
func (r *Reader) Next() (Event, error) {
	for r.sc.Scan() {
		r.line++
		if len(r.sc.Bytes()) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(r.sc.Bytes(), &ev); err != nil {
			return Event{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		ev.Normalize()
		if err := ev.Validate(); err != nil {
			return Event{}, fmt.Errorf("line %d: %w", r.line, err)
		}
		return ev, nil
	}
	if err := r.sc.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
