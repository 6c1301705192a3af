package config

import (
	"fmt"
	"maps"
	"slices"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/container"
	"github.com/c360/semscope/errors"
)

// Plan orders the components for instantiation. Children come before the components
// that use them. A component built by its creator follows the creator and is only
// resolved.
func (c *Config) Plan() ([]container.Placement, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(c.Components))
	plan := make([]container.Placement, 0, len(c.Components))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle: %v", append(path, name))
		}
		cc, ok := c.Components[name]
		if !ok {
			return fmt.Errorf("component %s is not declared", name)
		}
		state[name] = visiting

		for _, child := range sortedValues(cc.Children) {
			if c.Components[child].Creator == name {
				continue
			}
			if c.Components[child].Creator != "" {
				if err := visit(c.Components[child].Creator, append(path, name)); err != nil {
					return err
				}
				continue
			}
			if err := visit(child, append(path, name)); err != nil {
				return err
			}
		}

		state[name] = done
		plan = append(plan, c.placement(name))

		for _, child := range sortedValues(cc.Children) {
			if c.Components[child].Creator == name && state[child] != done {
				state[child] = done
				plan = append(plan, container.Placement{
					Container: c.ContainerOf(child),
					Name:      child,
					Role:      c.Components[child].Role,
					Creator:   name,
				})
			}
		}
		return nil
	}

	for _, name := range sortedNames(c.Components) {
		if c.Components[name].Creator != "" {
			continue
		}
		if err := visit(name, nil); err != nil {
			return nil, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "Config", "Plan", "order components")
		}
	}
	for _, name := range sortedNames(c.Components) {
		if state[name] != done {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: component %s is never created by %s", errors.ErrInvalidConfig, name, c.Components[name].Creator),
				"Config", "Plan", "order components")
		}
	}
	return plan, nil
}

func (c *Config) placement(name string) container.Placement {
	cc := c.Components[name]
	return container.Placement{
		Container: c.ContainerOf(name),
		Class:     cc.Class,
		Name:      name,
		Role:      cc.Role,
		Args:      component.Args(maps.Clone(cc.Init)),
		Children:  maps.Clone(cc.Children),
		Affects:   slices.Clone(cc.Affects),
	}
}

func sortedValues(m map[string]string) []string {
	values := slices.Collect(maps.Values(m))
	slices.Sort(values)
	return slices.Compact(values)
}
