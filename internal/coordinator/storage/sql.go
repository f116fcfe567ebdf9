package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
)

// The SQL stores keep the whole record as JSON in a data column and mirror
// the fields used for filtering into indexed columns. A seq column keeps
// creation order.

const taskColumns = "id, root, user_name, parent, worker, state, profile, waiting, version, data"

func encodeTask(t *core.TaskInfo) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return data, nil
}

func decodeTask(data []byte, version int64) (*core.TaskInfo, error) {
	var t core.TaskInfo
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	t.Version = version
	return &t, nil
}

// filterClause renders filter as a WHERE clause. placeholder returns the
// bind marker for the n-th argument, starting at 1.
func filterClause(filter core.TaskFilter, placeholder func(n int) string) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, placeholder(len(args))))
	}
	if filter.Root != "" {
		add("root = %s", filter.Root)
	}
	if filter.User != "" {
		add("user_name = %s", filter.User)
	}
	if filter.Worker != "" {
		add("worker = %s", filter.Worker)
	}
	if filter.RootsOnly {
		conds = append(conds, "parent = ''")
	}
	if len(filter.States) > 0 {
		marks := make([]string, len(filter.States))
		for i, state := range filter.States {
			args = append(args, string(state))
			marks[i] = placeholder(len(args))
		}
		conds = append(conds, "state IN ("+strings.Join(marks, ", ")+")")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func taskArgs(t *core.TaskInfo, data []byte) []any {
	return []any{t.ID, t.Root, t.User, t.Parent, t.Worker, string(t.State), t.Profile, t.Waiting, t.Version + 1, data}
}
