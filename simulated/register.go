package simulated

import (
	"github.com/c360/semscope/component"
)

// Drivers returns the simulated component classes
func Drivers() []component.Registerable {
	return []component.Registerable{cameraDriver{}, stageDriver{}}
}

// Register registers the simulated component classes with registry
func Register(registry *component.Registry) error {
	return component.RegisterAll(registry, Drivers()...)
}
