package conversation

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrUnknownTag is returned when a designation names a tag that no message
// carries. It signals a caller bug and is never ignored.
var ErrUnknownTag = errors.New("unknown message tag")

// IndexError reports a position outside the conversation.
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("message index %d out of range (conversation has %d messages)", e.Index, e.Len)
}

// Designation is a symbolic reference to one or more messages. It is always
// resolved against the current contents of a conversation.
type Designation interface {
	Indices(c *Conversation) ([]int, error)
}

// Position designates a single message, by tag or by index, plus an offset.
// Negative indices count from the end.
type Position struct {
	Tag    string `json:"tag,omitempty"`
	Index  int    `json:"index,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// Tag designates the most recent message carrying tag.
func Tag(tag string) Position { return Position{Tag: tag} }

// Index designates the message at i.
func Index(i int) Position { return Position{Index: i} }

// Plus shifts the position by n messages.
func (p Position) Plus(n int) Position {
	p.Offset += n
	return p
}

// Resolve returns the concrete index of p in c.
func (p Position) Resolve(c *Conversation) (int, error) {
	n := c.Len()
	var base int
	if p.Tag != "" {
		i, ok := c.TagIndex(p.Tag)
		if !ok {
			return 0, fmt.Errorf("%w: %q in %q", ErrUnknownTag, p.Tag, c.Name)
		}
		base = i
	} else {
		base = p.Index
		if base < 0 {
			base += n
		}
	}
	idx := base + p.Offset
	if idx < 0 || idx >= n {
		return 0, &IndexError{Index: idx, Len: n}
	}
	return idx, nil
}

// Indices implements Designation.
func (p Position) Indices(c *Conversation) ([]int, error) {
	i, err := p.Resolve(c)
	if err != nil {
		return nil, err
	}
	return []int{i}, nil
}

func (p Position) String() string {
	s := strconv.Itoa(p.Index)
	if p.Tag != "" {
		s = "#" + p.Tag
	}
	if p.Offset != 0 {
		s += fmt.Sprintf("%+d", p.Offset)
	}
	return s
}

// Range designates the inclusive span between two positions.
type Range struct {
	From Position `json:"from"`
	To   Position `json:"to"`
}

// Between builds an inclusive range.
func Between(from, to Position) Range { return Range{From: from, To: to} }

// Indices implements Designation.
func (r Range) Indices(c *Conversation) ([]int, error) {
	from, err := r.From.Resolve(c)
	if err != nil {
		return nil, err
	}
	to, err := r.To.Resolve(c)
	if err != nil {
		return nil, err
	}
	if from > to {
		return nil, &IndexError{Index: from, Len: c.Len()}
	}
	out := make([]int, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out, nil
}

func (r Range) String() string { return r.From.String() + ".." + r.To.String() }

// Selection is the union of several positions and ranges. It serialises
// cleanly, which is why delete actions carry one.
type Selection struct {
	Positions []Position `json:"positions,omitempty"`
	Ranges    []Range    `json:"ranges,omitempty"`
}

// Select builds a selection from positions.
func Select(positions ...Position) Selection {
	return Selection{Positions: positions}
}

// Empty reports whether the selection designates nothing.
func (s Selection) Empty() bool { return len(s.Positions) == 0 && len(s.Ranges) == 0 }

// Indices implements Designation, returning the de-duplicated, ascending
// union of every member.
func (s Selection) Indices(c *Conversation) ([]int, error) {
	members := make([]Designation, 0, len(s.Positions)+len(s.Ranges))
	for _, p := range s.Positions {
		members = append(members, p)
	}
	for _, r := range s.Ranges {
		members = append(members, r)
	}
	return Union(c, members...)
}

// Union resolves every designation against c and merges the results.
func Union(c *Conversation, ds ...Designation) ([]int, error) {
	seen := make(map[int]struct{})
	for _, d := range ds {
		idx, err := d.Indices(c)
		if err != nil {
			return nil, err
		}
		for _, i := range idx {
			seen[i] = struct{}{}
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}
