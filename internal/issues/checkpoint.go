package issues

// Stage is one named group of checks at a checkpoint.
type Stage struct {
	Name  string
	Check func() Set
}

// Checkpoint runs stages in order, most fundamental first, and returns as
// soon as one stage reports anything. Later stages are not run, so the
// model is never told about cosmetic problems while the code is broken.
type Checkpoint struct {
	stages []Stage
}

// NewCheckpoint builds a checkpoint from stages in evaluation order.
func NewCheckpoint(stages ...Stage) *Checkpoint {
	return &Checkpoint{stages: stages}
}

// Then appends a stage.
func (c *Checkpoint) Then(name string, check func() Set) *Checkpoint {
	c.stages = append(c.stages, Stage{Name: name, Check: check})
	return c
}

// Run evaluates the stages and returns the first non-empty set together
// with the name of the stage that produced it.
func (c *Checkpoint) Run() (Set, string) {
	for _, st := range c.stages {
		if found := st.Check(); len(found) > 0 {
			return found, st.Name
		}
	}
	return nil, ""
}
