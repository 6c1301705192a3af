// Package container hosts components in a process and makes them reachable from every
// other process of the microscope.
//
// # Hosts and proxies
//
// A Host is the container of one process. It instantiates components from its
// component.Registry, serves them on NATS, and hands out proxies for components hosted
// by other containers:
//
//	host, _ := container.New("detector", client, container.WithRegistry(reg))
//	_ = host.Start(ctx)
//	cam, err := host.Lookup(ctx, "stage-container", "stage")
//
// A proxy implements component.Component like the original. Its attributes mirror the
// remote values and notify local subscribers in the order the hosting attribute
// changed; its dataflows start generation remotely while they have subscribers; its
// events and futures follow the remote ones. Every other value crossing a container
// boundary is copied as JSON and read back with codec.As.
//
// # Subjects
//
//	semscope.<container>.rpc                         request/reply protocol
//	semscope.<container>.va.<object>.<attribute>     attribute changes, versioned
//	semscope.<container>.ev.<object>.<event>         event triggers
//	semscope.<container>.df.<object>.<flow>.<sub>    dataflow blocks of one subscription
//	semscope.<container>.fut.<id>                    future state changes
//	semscope.heartbeat.<container>                   liveness
//	semscope.terminated.<container>                  termination announcement
//
// # Failure
//
// Containers announce themselves with heartbeats. When a container misses them, exits,
// or announces its termination, every pending and later request to it fails with
// errors.ErrUnreachable, its proxied futures fail the same way, and the dataflow
// subscriptions it held elsewhere are released. Requests are never retried.
//
// # Directory and supervision
//
// The Directory, a JetStream key-value bucket, records where containers and components
// live so that Host.Resolve finds a component by name alone. A Supervisor is the root of
// a microscope: it launches the child containers, applies a list of Placements across
// them, and terminates everything in reverse order.
package container
