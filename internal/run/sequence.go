package run

// Sequence is the ordered execution plan for an epic's children. The
// cursor only moves forward: every id behind it has been classified as
// either completed or failed, and an epic does not abort when one
// child fails.
type Sequence struct {
	EpicID    string   `json:"epic_id"`
	Items     []string `json:"items"`
	Current   int      `json:"current"`
	Completed []string `json:"completed,omitempty"`
	Failed    []string `json:"failed,omitempty"`
}

// NewSequence builds a sequence over the given item ids.
func NewSequence(epicID string, items []string) *Sequence {
	return &Sequence{EpicID: epicID, Items: items}
}

// CurrentItem returns the id under the cursor, or false when the
// sequence is exhausted.
func (s *Sequence) CurrentItem() (string, bool) {
	if s.Current >= len(s.Items) {
		return "", false
	}
	return s.Items[s.Current], true
}

// Advance classifies the current item and moves the cursor forward,
// returning the next item id if one remains.
func (s *Sequence) Advance(completed bool) (string, bool) {
	id, ok := s.CurrentItem()
	if !ok {
		return "", false
	}
	if completed {
		s.Completed = append(s.Completed, id)
	} else {
		s.Failed = append(s.Failed, id)
	}
	s.Current++
	return s.CurrentItem()
}

// Done reports whether every item has been classified.
func (s *Sequence) Done() bool {
	return s.Current >= len(s.Items)
}

// Remaining returns the ids not yet reached, excluding the current one.
func (s *Sequence) Remaining() []string {
	if s.Current+1 >= len(s.Items) {
		return nil
	}
	return s.Items[s.Current+1:]
}
