package core

import "slices"

// TaskProgress computes the progress of t in [0,1]. Records of its children
// are looked up in byID; missing children count as not started.
//
//	P = 1                                                   when done
//	P = Base + (1-Base) * (Cur*Self + Future*avg(phase children))
func TaskProgress(t *TaskInfo, byID map[string]*TaskInfo) float64 {
	if t.State == TaskStateDone {
		return 1
	}
	p := t.Progress
	var avg float64
	if phase := t.Children[min(max(p.Phase, 0), len(t.Children)):]; len(phase) > 0 {
		var sum float64
		for _, id := range phase {
			if child, ok := byID[id]; ok {
				sum += TaskProgress(child, byID)
			}
		}
		avg = sum / float64(len(phase))
	}
	return clamp(p.Base + (1-p.Base)*(p.Cur*p.Self+p.Future*avg))
}

// Split starts a new phase at the current progress value.
func (p Progress) Split(current, cur, future float64, phase int) Progress {
	return Progress{
		Base:   clamp(current),
		Cur:    clamp(cur),
		Future: clamp(future),
		Phase:  phase,
	}
}

// WithSelf records own work; progress within a phase never goes back.
func (p Progress) WithSelf(fraction float64) Progress {
	p.Self = max(p.Self, clamp(fraction))
	return p
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}

// IndexByID maps tasks by id.
func IndexByID(tasks []*TaskInfo) map[string]*TaskInfo {
	byID := make(map[string]*TaskInfo, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	return byID
}

// Summarize derives one summary per job from the records of all its tasks.
// Jobs appear in the order their roots appear in tasks.
func Summarize(tasks []*TaskInfo) []SummaryInfo {
	byID := IndexByID(tasks)
	index := make(map[string]int)
	var summaries []SummaryInfo
	for _, t := range tasks {
		i, ok := index[t.Root]
		if !ok {
			root, exists := byID[t.Root]
			if !exists {
				continue
			}
			i = len(summaries)
			index[t.Root] = i
			summaries = append(summaries, SummaryInfo{
				ID:        root.ID,
				User:      root.User,
				Type:      root.Type,
				State:     root.State,
				Progress:  TaskProgress(root, byID),
				Tasks:     make(map[TaskState]int),
				Error:     root.Error,
				CreatedAt: root.CreatedAt,
			})
		}
		s := &summaries[i]
		s.Tasks[t.State]++
		s.Total++
		if t.UpdatedAt.After(s.UpdatedAt) {
			s.UpdatedAt = t.UpdatedAt
		}
	}
	return summaries
}

// SortTopDown orders tasks so that every parent precedes its children.
func SortTopDown(tasks []*TaskInfo) []*TaskInfo {
	out := slices.Clone(tasks)
	slices.SortStableFunc(out, func(a, b *TaskInfo) int {
		return depth(a.ID) - depth(b.ID)
	})
	return out
}

func depth(id string) int {
	n := 0
	for _, c := range id {
		if c == '.' {
			n++
		}
	}
	return n
}
