package models

import "fmt"

// BuildTree assembles flat task rows into a forest. A task with an empty
// ParentID is a root; every other task hangs off its parent. Child order
// follows input order. Duplicate ids, dangling parents, nodes that are
// their own ancestor, and children of non-group tasks are all rejected,
// so a forest returned here is safe to walk recursively.
func BuildTree(tasks []*Task) ([]*Task, error) {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		if t.TaskID == "" {
			return nil, fmt.Errorf("task with empty id in dag %q", t.DagID)
		}
		if _, dup := byID[t.TaskID]; dup {
			return nil, fmt.Errorf("duplicate task id %q", t.TaskID)
		}
		byID[t.TaskID] = t
		t.Children = nil
	}

	var roots []*Task
	for _, t := range tasks {
		if t.ParentID == "" {
			roots = append(roots, t)
			continue
		}
		parent, ok := byID[t.ParentID]
		if !ok {
			return nil, fmt.Errorf("task %q references unknown parent %q", t.TaskID, t.ParentID)
		}
		if !parent.IsGroup {
			return nil, fmt.Errorf("task %q has non-group parent %q", t.TaskID, t.ParentID)
		}
		parent.Children = append(parent.Children, t)
	}

	for _, t := range tasks {
		if err := checkAncestry(t, byID); err != nil {
			return nil, err
		}
	}
	return roots, nil
}

// checkAncestry walks parent links from t upward. The chain must end at
// a root within len(byID) hops or there is a cycle.
func checkAncestry(t *Task, byID map[string]*Task) error {
	seen := 0
	for cur := t; cur.ParentID != ""; cur = byID[cur.ParentID] {
		seen++
		if seen > len(byID) {
			return fmt.Errorf("task %q is part of a parent cycle", t.TaskID)
		}
	}
	return nil
}

// AttachInstances distributes instance records onto the forest by task
// id. Instances for unknown tasks are dropped.
func AttachInstances(roots []*Task, instances []TaskInstance) {
	index := make(map[string]*Task)
	WalkTasks(roots, func(t *Task) {
		index[t.TaskID] = t
	})
	for _, ti := range instances {
		if t, ok := index[ti.TaskID]; ok {
			t.Instances = append(t.Instances, ti)
		}
	}
}

// WalkTasks visits every task in the forest depth first, parents before
// children.
func WalkTasks(roots []*Task, fn func(*Task)) {
	for _, t := range roots {
		fn(t)
		WalkTasks(t.Children, fn)
	}
}

// CountTasks returns the number of nodes in the forest.
func CountTasks(roots []*Task) int {
	n := 0
	WalkTasks(roots, func(*Task) { n++ })
	return n
}
