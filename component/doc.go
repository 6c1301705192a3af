// Package component defines the unit of hardware abstraction of semscope: a named
// object exposing attributes, dataflows, events and methods, hosted by a container.
//
// # Overview
//
// Clients only see the Component interface. The same interface is implemented by a
// driver living in the current process and by a proxy standing for a component in
// another container, so client code never distinguishes the two.
//
// Drivers embed Base and declare their capabilities while being built:
//
//	b := component.NewBase(name, role, component.WithVersions("sim", "1.0"))
//	b.AddAttribute("exposureTime", exposure)
//	b.AddDataFlow("data", data)
//	b.AddMethod("stop", component.Oneway, stop)
//	b.SetPhase(component.PhaseRunning)
//
// Only declared members are reachable. Every component also carries the state,
// children and affects attributes.
//
// # Call kinds
//
// A method is declared with one of three call kinds:
//
//   - Sync: Call blocks until the method returns its value or error
//   - Oneway: Cast returns immediately; the method runs in the background
//   - Async: CallAsync returns the future produced by the method
//
// Calling a method with the wrong kind returns errors.ErrCallKind.
//
// # State
//
// The state attribute holds a Phase and an optional error. A device fault is
// reported with SetHardwareError rather than by failing calls; clients subscribe to
// state to learn about it.
//
// # Registration
//
// Drivers are registered explicitly, never from init(). Each driver package exports a
// Register(*Registry) error function and componentregistry.RegisterAll calls them all.
// Registry.Create instantiates a class by name; every failure, including an unknown
// class or a factory error, matches errors.ErrConstruction.
//
//	comp, err := registry.Create("simulated-camera", "cam", "ccd", args, deps)
//
// Arguments arrive decoded from YAML or JSON. Drivers read them with Arg or decode them
// into a struct with DecodeArgs, which also applies validate tags.
//
// # Termination
//
// Terminate is idempotent. It first terminates the components this one created, in
// reverse creation order, then runs the driver hook set with OnTerminate.
package component
