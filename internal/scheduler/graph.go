package scheduler

import (
	"fmt"
)

// vertex colors for the dependency walk.
const (
	white = iota // unvisited
	gray         // on the current path
	black        // fully explored
)

// checkAcyclic verifies that adding candidate edges keeps the known
// dependency graph free of cycles. deps maps task ID to its dependency
// IDs; the candidate task must already be present in the map.
func checkAcyclic(deps map[string][]string, start string) error {
	colors := make(map[string]int, len(deps))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch colors[id] {
		case gray:
			return fmt.Errorf("dependency cycle: %v -> %s", path, id)
		case black:
			return nil
		}
		colors[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		colors[id] = black
		return nil
	}
	return visit(start)
}
