package engine

import "board-api/domain"

// Within a column, positions must stay a dense 0..n-1 sequence. External
// collaborators can leave holes (column CRUD inserts and deletes tasks
// behind our back), so every mutation renormalizes the orderings it
// touches rather than trusting the stored positions.

// insertAt places a task among siblings at the requested index, clamping
// it into [0, len(siblings)]. It returns the final index and the siblings
// whose positions must change to keep the sequence dense. Siblings are
// expected in position order and must not contain the task being placed.
func insertAt(siblings []domain.Task, at int) (int, []domain.Task) {
	if at < 0 {
		at = 0
	}
	if at > len(siblings) {
		at = len(siblings)
	}
	var repositioned []domain.Task
	for i := range siblings {
		want := i
		if i >= at {
			want = i + 1
		}
		if siblings[i].Position != want {
			sib := siblings[i]
			sib.Position = want
			repositioned = append(repositioned, sib)
		}
	}
	return at, repositioned
}

// compact renormalizes siblings to 0..n-1 after a removal, returning only
// the tasks whose positions actually change.
func compact(siblings []domain.Task) []domain.Task {
	var repositioned []domain.Task
	for i := range siblings {
		if siblings[i].Position != i {
			sib := siblings[i]
			sib.Position = i
			repositioned = append(repositioned, sib)
		}
	}
	return repositioned
}

// withoutTask filters one task out of an ordered sibling list.
func withoutTask(tasks []domain.Task, id string) []domain.Task {
	out := tasks[:0:0]
	for _, t := range tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}
