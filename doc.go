// Package semscope is middleware for controlling microscope hardware.
//
// Every piece of hardware is a component: a named object with reactive attributes,
// data streams, events and methods. Components are spread over containers, one per
// process, so a crashing driver takes down only its own process. A component in
// another container is used through a proxy that behaves like the original.
//
// # Architecture
//
//	component/         Component interface, Base, registry of classes
//	vattr/             reactive attributes (continuous, enumerated, list, tuple ...)
//	dataflow/          streams of data blocks with per-subscriber queues
//	event/             synchronization events
//	future/            futures, progressive futures and the executor running them
//	container/         hosts, proxies, container directory, root supervisor
//	simulated/         simulated camera and stage drivers
//	config/            microscope files, instantiation plan, shared configuration
//	componentregistry/ registration of the built-in classes
//	cmd/semscoped/     the daemon
//
// Supporting packages: errors (classified errors and their wire form), natsclient
// (connection management, KV, embedded server), metric (Prometheus), health
// (container liveness), pkg/codec, pkg/buffer, pkg/worker, pkg/retry, pkg/weakset.
//
// # Transport
//
// Containers talk over NATS. Each container serves request/reply on its own subject;
// attribute changes, data blocks, events and future completions are published on
// per-object subjects. Containers announce themselves with heartbeats, and a
// container that stops beating is declared dead: calls to its components fail with
// errors.ErrUnreachable.
//
// # Running
//
//	semscoped validate -c microscope.yaml
//	semscoped run -c microscope.yaml --embed-nats
package semscope
