package transaction

import (
	"fmt"
	"strings"
)

// OrderEntry pairs a package with its dependencies inside the same
// transaction. Packages with no in-transaction dependencies carry an
// empty Deps slice.
type OrderEntry struct {
	Name string
	Deps []string
}

// BuildOrder sorts entries topologically with stable passes: each pass
// scans the remaining entries in order and emits every one whose
// dependencies have all been emitted, including by earlier entries of
// the same pass. Independent packages therefore keep their insertion
// order. A pass that emits nothing while entries remain means a cycle
// or a dependency that can never be satisfied.
func BuildOrder(entries []OrderEntry) ([]string, error) {
	type pending struct {
		name string
		deps map[string]bool
	}

	remaining := make([]pending, 0, len(entries))
	for _, e := range entries {
		deps := make(map[string]bool, len(e.Deps))
		for _, d := range e.Deps {
			deps[d] = true
		}
		remaining = append(remaining, pending{name: e.Name, deps: deps})
	}

	var order []string
	emitted := make(map[string]bool, len(entries))

	for len(remaining) > 0 {
		var next []pending
		progressed := false

		for _, entry := range remaining {
			for dep := range entry.deps {
				if emitted[dep] {
					delete(entry.deps, dep)
				}
			}
			if len(entry.deps) > 0 {
				next = append(next, entry)
				continue
			}
			order = append(order, entry.name)
			emitted[entry.name] = true
			progressed = true
		}

		if !progressed {
			stuck := make([]string, 0, len(next))
			for _, entry := range next {
				stuck = append(stuck, entry.name)
			}
			return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(stuck, ", "))
		}
		remaining = next
	}
	return order, nil
}
