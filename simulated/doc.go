// Package simulated provides device drivers that need no hardware: a camera producing
// synthetic frames and a two-axis stage with timed, cancellable moves. They exercise
// every capability a component can expose and back the tests and demo configurations.
package simulated
