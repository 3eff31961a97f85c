package runset

import (
	"fmt"
	"sort"
	"strings"

	"cncserver/internal/comp"
	"cncserver/internal/domain"
)

// ConnectionError reports a topology that cannot be wired.
type ConnectionError struct {
	Type   string
	Detail string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection type %q: %s", e.Type, e.Detail)
}

type connPoint struct {
	comp *comp.Component
	conn domain.Connector
}

type connTypeEntry struct {
	typ     string
	inputs  []connPoint
	outputs []connPoint
}

func (e *connTypeEntry) allOptional(points []connPoint) bool {
	for _, p := range points {
		if !p.conn.Kind.IsOptional() {
			return false
		}
	}
	return true
}

// BuildConnMap matches every output connector with the input connectors
// of the same type and resolves each match to a concrete host and port.
// A type may fan out from one producer or fan in to one consumer, never
// both: with multiple components on both sides the wiring is ambiguous
// and the whole map fails.
//
// Types carried only by optional connectors may go unmatched; a required
// connector with no peer fails the map.
func BuildConnMap(comps []*comp.Component) (map[*comp.Component][]domain.ConnLink, error) {
	entries := make(map[string]*connTypeEntry)
	for _, c := range comps {
		for _, conn := range c.Connectors {
			e, ok := entries[conn.Name]
			if !ok {
				e = &connTypeEntry{typ: conn.Name}
				entries[conn.Name] = e
			}
			if conn.Kind.IsInput() {
				e.inputs = append(e.inputs, connPoint{comp: c, conn: conn})
			} else {
				e.outputs = append(e.outputs, connPoint{comp: c, conn: conn})
			}
		}
	}

	types := make([]string, 0, len(entries))
	for t := range entries {
		types = append(types, t)
	}
	sort.Strings(types)

	connMap := make(map[*comp.Component][]domain.ConnLink)
	for _, t := range types {
		e := entries[t]
		if len(e.inputs) == 0 {
			if e.allOptional(e.outputs) {
				continue
			}
			return nil, &ConnectionError{Type: t,
				Detail: "no inputs for " + pointNames(e.outputs)}
		}
		if len(e.outputs) == 0 {
			if e.allOptional(e.inputs) {
				continue
			}
			return nil, &ConnectionError{Type: t,
				Detail: "no outputs for " + pointNames(e.inputs)}
		}
		if len(e.inputs) > 1 && len(e.outputs) > 1 {
			return nil, &ConnectionError{Type: t,
				Detail: fmt.Sprintf("ambiguous wiring (%d inputs, %d outputs)",
					len(e.inputs), len(e.outputs))}
		}

		for _, out := range e.outputs {
			for _, in := range e.inputs {
				connMap[out.comp] = append(connMap[out.comp], domain.ConnLink{
					Type: t,
					Name: in.comp.Name,
					Num:  in.comp.Num,
					Host: in.comp.Host,
					Port: in.conn.Port,
				})
			}
		}
	}
	return connMap, nil
}

func pointNames(points []connPoint) string {
	names := make([]string, 0, len(points))
	for _, p := range points {
		names = append(names, p.comp.Fullname())
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// AssignOrder ranks every component by its distance from the sources.
// Hubs sit at rank 1; each output hop adds one. A component with no path
// from any source cannot be ordered and fails the runset.
func AssignOrder(comps []*comp.Component, connMap map[*comp.Component][]domain.ConnLink) error {
	byName := make(map[string]*comp.Component, len(comps))
	for _, c := range comps {
		c.ClearOrder()
		byName[c.Fullname()] = c
	}

	var level []*comp.Component
	for _, c := range comps {
		if c.IsSource() {
			c.SetOrder(1)
			level = append(level, c)
		}
	}
	if len(level) == 0 {
		return fmt.Errorf("no source components among %s", compNames(comps))
	}

	for rank := 1; len(level) > 0; rank++ {
		var next []*comp.Component
		for _, c := range level {
			for _, link := range connMap[c] {
				dest, ok := byName[domain.ComponentName{Name: link.Name, Num: link.Num}.Fullname()]
				if !ok || dest.Order() != comp.OrderUnset {
					continue
				}
				dest.SetOrder(rank + 1)
				next = append(next, dest)
			}
		}
		level = next
	}

	var unordered []domain.ComponentName
	for _, c := range comps {
		if c.Order() == comp.OrderUnset {
			unordered = append(unordered, c.ComponentName)
		}
	}
	if len(unordered) > 0 {
		return fmt.Errorf("unreachable components: %s", domain.FormatComponentList(unordered))
	}
	return nil
}

func compNames(comps []*comp.Component) string {
	names := make([]domain.ComponentName, 0, len(comps))
	for _, c := range comps {
		names = append(names, c.ComponentName)
	}
	return domain.FormatComponentList(names)
}
