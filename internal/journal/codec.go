package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"scriptloop/internal/logging"
)

// maxRecordSize bounds one encoded record; messages carry whole scripts.
const maxRecordSize = 16 << 20

// Encode writes records as JSON lines.
func Encode(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("encode record %d: %w", r.Seq, err)
		}
	}
	return nil
}

// Decode reads JSON-lines records, skipping blank lines.
func Decode(r io.Reader) ([]Record, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
	var out []Record
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("decode line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read action log: %w", err)
	}
	return out, nil
}

// Replay applies records, in order, to a new journal. Sequence numbers
// must be contiguous from 1.
func Replay(records []Record, observers ...Observer) (*Journal, error) {
	j := New(observers...)
	for i, r := range records {
		if r.Seq != i+1 {
			return nil, fmt.Errorf("record %d has sequence number %d", i+1, r.Seq)
		}
		rec, err := j.Apply(r.Action)
		if err != nil {
			return nil, fmt.Errorf("replay record %d: %w", r.Seq, err)
		}
		if !r.Time.IsZero() {
			j.mu.Lock()
			j.records[rec.Seq-1].Time = r.Time
			j.mu.Unlock()
		}
	}
	logging.Journal("replayed %d record(s)", len(records))
	return j, nil
}

// Export writes the journal's Action Log as JSON lines.
func (j *Journal) Export(w io.Writer) error {
	return Encode(w, j.Records())
}
