// Package config loads microscope descriptions and daemon settings.
//
// A microscope file is YAML. It names the containers the daemon runs, the components
// to instantiate with their constructor arguments, and how they relate: children used
// by a parent, components a parent affects, and components built by another one
// (delegated through creator).
//
// # Core Components
//
// Config: The full description plus daemon settings (NATS, logging, metrics, timeouts).
// Plan turns it into the ordered placements the container supervisor applies.
//
// SafeConfig: Thread-safe wrapper that hands out deep copies.
//
// Loader: Reads YAML layers over Defaults, then SEMSCOPE_* environment overrides, then
// validates.
//
// Manager: Publishes the configuration to the semscope_config KV bucket and follows
// edits made there. Child containers read the same bucket with Fetch.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("microscope.yaml")
//	loader.AddLayer("site.yaml") // overrides
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//	if err := config.ValidateClasses(cfg, registry); err != nil {
//		return err
//	}
//	plan, err := cfg.Plan()
//
// # Dynamic Configuration
//
//	cm, err := config.NewManager(ctx, cfg, natsClient, logger)
//	if err != nil {
//		return err
//	}
//	if err := cm.Start(ctx); err != nil {
//		return err
//	}
//	defer cm.Stop(5 * time.Second)
//
//	for update := range cm.OnChange("components.*") {
//		logger.Info("component changed", "key", update.Path)
//	}
//
// # Example File
//
//	version: 1.0.0
//	platform:
//	  id: bench-1
//	containers: [hw]
//	components:
//	  camera:
//	    class: simulated-camera
//	    role: ccd
//	    container: hw
//	    init: {exposure: 0.1, width: 512, height: 512}
//	  stage:
//	    class: simulated-stage
//	    role: stage
//	    container: hw
//	    affects: [camera]
package config
