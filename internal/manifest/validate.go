package manifest

import (
	"fmt"
	"strings"
)

// Problem is a configuration defect found in an index. None of them
// prevent loading: unknown dependencies are skipped and cycles are
// broken by the bundle loader.
type Problem struct {
	Name   string
	Reason string
}

func (p Problem) String() string { return p.Name + ": " + p.Reason }

// Validate reports dependencies that name no descriptor and every
// dependency cycle, each cycle reported once from its first member in
// index order.
func Validate(idx *Index) []Problem {
	var problems []Problem

	const (
		white = iota
		grey
		black
	)
	color := make([]int, idx.Len())
	var stack []string

	var visit func(d *Descriptor)
	visit = func(d *Descriptor) {
		color[d.ID()] = grey
		stack = append(stack, d.Name)

		for _, name := range d.Dependencies {
			dep, ok := idx.Lookup(name)
			if !ok {
				problems = append(problems, Problem{
					Name:   d.Name,
					Reason: fmt.Sprintf("unknown dependency %q", name),
				})
				continue
			}
			switch color[dep.ID()] {
			case white:
				visit(dep)
			case grey:
				start := 0
				for i, n := range stack {
					if n == dep.Name {
						start = i
					}
				}
				cycle := append(append([]string(nil), stack[start:]...), dep.Name)
				problems = append(problems, Problem{
					Name:   dep.Name,
					Reason: "dependency cycle " + strings.Join(cycle, " -> "),
				})
			}
		}

		stack = stack[:len(stack)-1]
		color[d.ID()] = black
	}

	for d := range idx.All() {
		if color[d.ID()] == white {
			visit(d)
		}
	}
	return problems
}
