package simulated

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/dataflow"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/event"
	"github.com/c360/semscope/pkg/buffer"
	"github.com/c360/semscope/vattr"
)

// CameraClass is the registry class of the simulated camera
const CameraClass = "simulated-camera"

// readout is the minimum time between two frames
const readout = time.Millisecond

// CameraConfig holds the constructor arguments of a Camera
type CameraConfig struct {
	Width    int     `json:"width"    validate:"omitempty,min=1,max=4096"`
	Height   int     `json:"height"   validate:"omitempty,min=1,max=4096"`
	Exposure float64 `json:"exposure" validate:"gte=0,lte=10"`
	Binning  int     `json:"binning"  validate:"omitempty,oneof=1 2 4"`
	// Overflow selects what happens to frames a slow subscriber cannot take:
	// block, drop_oldest or drop_newest
	Overflow string `json:"overflow" validate:"omitempty,oneof=block drop_oldest drop_newest"`
}

// DefaultCameraConfig returns the configuration used for absent arguments
func DefaultCameraConfig() CameraConfig {
	return CameraConfig{Width: 64, Height: 48, Exposure: 0.1, Binning: 1, Overflow: "block"}
}

func (c CameraConfig) withDefaults() CameraConfig {
	def := DefaultCameraConfig()
	if c.Width == 0 {
		c.Width = def.Width
	}
	if c.Height == 0 {
		c.Height = def.Height
	}
	if c.Exposure == 0 {
		c.Exposure = def.Exposure
	}
	if c.Binning == 0 {
		c.Binning = def.Binning
	}
	if c.Overflow == "" {
		c.Overflow = def.Overflow
	}
	return c
}

func overflowPolicy(name string) buffer.OverflowPolicy {
	switch name {
	case "drop_oldest":
		return buffer.DropOldest
	case "drop_newest":
		return buffer.DropNewest
	default:
		return buffer.Block
	}
}

// Camera is a simulated 2D detector. Frames are synthetic gradients generated while
// the data dataflow has subscribers, one per exposure time, or one per trigger of the
// event the dataflow is synchronized on.
type Camera struct {
	*component.Base

	logger     *slog.Logger
	exposure   *vattr.VA[float64]
	binning    *vattr.VA[int]
	resolution *vattr.VA[[]int]
	data       *dataflow.DataFlow
	trigger    *event.Event

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	frames atomic.Uint64
	starts atomic.Int64
	stops  atomic.Int64
}

// NewCamera creates a camera from its constructor arguments
func NewCamera(name, role string, args component.Args, deps component.Dependencies) (component.Component, error) {
	cfg, err := component.DecodeArgs[CameraConfig](args)
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	logger := deps.GetLoggerWithComponent(name)

	c := &Camera{
		Base:   component.NewBase(name, role, component.WithLogger(logger), component.WithVersions("sim-cam-1", "0.1.0")),
		logger: logger,
	}

	c.exposure, err = vattr.NewContinuous(cfg.Exposure, 0, 10, vattr.WithUnit("s"), vattr.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	c.binning, err = vattr.NewEnumerated(cfg.Binning, []int{1, 2, 4}, vattr.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	c.resolution, err = vattr.NewTuple([]int{cfg.Width, cfg.Height}, vattr.WithUnit("px"), vattr.ReadOnly())
	if err != nil {
		return nil, err
	}
	c.trigger = event.New("softwareTrigger", event.WithLogger(logger))
	c.data = dataflow.New("data",
		dataflow.WithHooks(c.startGenerate, c.stopGenerate),
		dataflow.WithOverflowPolicy(overflowPolicy(cfg.Overflow), dataflow.DefaultQueueDepth),
		dataflow.WithLogger(logger),
		dataflow.WithMetrics(deps.MetricsRegistry.CoreMetrics()),
	)

	c.AddAttribute("exposureTime", c.exposure)
	c.AddAttribute("binning", c.binning)
	c.AddAttribute("resolution", c.resolution)
	c.AddDataFlow("data", c.data)
	c.AddEvent("softwareTrigger", c.trigger)
	c.AddMethod("trigger", component.Sync, func(context.Context, []any) (any, error) {
		c.trigger.Trigger()
		return nil, nil
	})
	c.AddMethod("frameCount", component.Sync, func(context.Context, []any) (any, error) {
		return c.frames.Load(), nil
	})
	c.OnTerminate(func(context.Context) error {
		c.stopGenerate()
		return nil
	})

	c.SetPhase(component.PhaseRunning)
	return c, nil
}

// DataFlow returns the frame dataflow
func (c *Camera) DataFlow() *dataflow.DataFlow { return c.data }

// Exposure returns the exposure time attribute
func (c *Camera) Exposure() *vattr.VA[float64] { return c.exposure }

// Generations returns how many times generation started and stopped
func (c *Camera) Generations() (starts, stops int64) {
	return c.starts.Load(), c.stops.Load()
}

func (c *Camera) startGenerate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.starts.Add(1)
	go c.generate(ctx, c.done)
	c.logger.Debug("Acquisition started")
}

func (c *Camera) stopGenerate() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.stops.Add(1)
	c.logger.Debug("Acquisition stopped")
}

func (c *Camera) generate(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if !c.data.WaitSync(ctx) {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		exposure := max(time.Duration(c.exposure.Value()*float64(time.Second)), readout)
		timer := time.NewTimer(exposure)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		c.data.Notify(c.frame())
	}
}

// frame renders a gradient shifted by the frame number
func (c *Camera) frame() dataflow.Block {
	n := c.frames.Add(1)
	res := c.resolution.Value()
	bin := c.binning.Value()
	w, h := res[0]/bin, res[1]/bin
	pixels := make([]uint16, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			pixels[y*w+x] = uint16((x + y + int(n)) % 4096)
		}
	}
	return dataflow.NewUint16Block([]int{h, w}, pixels, map[string]any{
		"exposureTime": c.exposure.Value(),
		"binning":      bin,
		"frame":        n,
	})
}

// FailWith reports a device fault through the component state
func (c *Camera) FailWith(format string, args ...any) {
	c.SetHardwareError(errors.NewHardwareError(format, args...))
}

// cameraDriver registers the Camera class
type cameraDriver struct{}

func (cameraDriver) Registration() *component.Registration {
	return &component.Registration{
		Class:       CameraClass,
		Description: "Simulated camera producing synthetic frames",
		Version:     "0.1.0",
		Factory:     NewCamera,
	}
}
