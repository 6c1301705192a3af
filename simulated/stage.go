package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/future"
	"github.com/c360/semscope/pkg/codec"
	"github.com/c360/semscope/vattr"
)

// StageClass is the registry class of the simulated stage
const StageClass = "simulated-stage"

// step is the period at which a moving stage updates its position
const step = 10 * time.Millisecond

// Axes of the stage
var axes = []string{"x", "y"}

// StageConfig holds the constructor arguments of a Stage
type StageConfig struct {
	// Limit is the half-width of the travel range of each axis, in m
	Limit float64 `json:"limit" validate:"gte=0,lte=1"`
	// Speed is the initial speed, in m/s
	Speed float64 `json:"speed" validate:"gte=0,lte=0.1"`
}

// DefaultStageConfig returns the configuration used for absent arguments
func DefaultStageConfig() StageConfig {
	return StageConfig{Limit: 0.05, Speed: 0.01}
}

// Stage is a simulated two-axis stage. Moves are asynchronous, run one at a time, and
// can be cancelled while in flight; the stage then stays where it was.
type Stage struct {
	*component.Base

	logger   *slog.Logger
	executor *future.Executor
	limit    float64
	position *vattr.VA[[]float64]
	speed    *vattr.VA[float64]

	moveMu sync.Mutex

	mu    sync.Mutex
	moves map[string]*future.ProgressiveFuture
	fault error
}

// NewStage creates a stage from its constructor arguments. Moves run on the
// executor of the hosting container.
func NewStage(name, role string, args component.Args, deps component.Dependencies) (component.Component, error) {
	cfg, err := component.DecodeArgs[StageConfig](args)
	if err != nil {
		return nil, err
	}
	def := DefaultStageConfig()
	if cfg.Limit == 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Speed == 0 {
		cfg.Speed = def.Speed
	}
	if deps.Executor == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: stage needs an executor", errors.ErrConstruction), "Stage", "New", "check dependencies")
	}
	logger := deps.GetLoggerWithComponent(name)

	s := &Stage{
		Base:     component.NewBase(name, role, component.WithLogger(logger), component.WithVersions("sim-stage-1", "0.1.0")),
		logger:   logger,
		executor: deps.Executor,
		limit:    cfg.Limit,
		moves:    make(map[string]*future.ProgressiveFuture),
	}
	s.position, err = vattr.NewTuple([]float64{0, 0}, vattr.WithUnit("m"), vattr.ReadOnly(), vattr.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	s.speed, err = vattr.NewContinuous(cfg.Speed, 1e-6, 0.1, vattr.WithUnit("m/s"), vattr.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	s.AddAttribute("position", s.position)
	s.AddAttribute("speed", s.speed)
	s.AddMethod("moveRel", component.Async, func(_ context.Context, args []any) (any, error) {
		shift, err := shiftArg(args)
		if err != nil {
			return nil, err
		}
		return s.MoveRel(shift)
	})
	s.AddMethod("moveAbs", component.Async, func(_ context.Context, args []any) (any, error) {
		target, err := shiftArg(args)
		if err != nil {
			return nil, err
		}
		return s.MoveAbs(target)
	})
	s.AddMethod("stop", component.Oneway, func(context.Context, []any) (any, error) {
		s.Stop()
		return nil, nil
	})
	s.AddMethod("injectFault", component.Sync, func(_ context.Context, args []any) (any, error) {
		msg := "simulated fault"
		if len(args) > 0 {
			if m, err := codec.As[string](args[0]); err == nil {
				msg = m
			}
		}
		s.InjectFault(msg)
		return nil, nil
	})
	s.OnTerminate(func(context.Context) error {
		s.Stop()
		return nil
	})

	s.SetPhase(component.PhaseRunning)
	return s, nil
}

func shiftArg(args []any) (map[string]float64, error) {
	if len(args) != 1 {
		return nil, errors.Validationf("expected one axis map argument, got %d", len(args))
	}
	shift, err := codec.As[map[string]float64](args[0])
	if err != nil {
		return nil, err
	}
	for axis := range shift {
		if axis != "x" && axis != "y" {
			return nil, errors.Validationf("unknown axis %q", axis)
		}
	}
	return shift, nil
}

// Position returns the current position
func (s *Stage) Position() []float64 {
	return s.position.Value()
}

// MoveRel moves by shift, in m per axis, from wherever the stage is when the move
// starts. A move leaving the travel range fails without moving.
func (s *Stage) MoveRel(shift map[string]float64) (*future.ProgressiveFuture, error) {
	return s.submit(func(start []float64) []float64 {
		end := slices.Clone(start)
		for i, axis := range axes {
			end[i] += shift[axis]
		}
		return end
	}), nil
}

// MoveAbs moves to target, in m per axis. Axes absent from target do not move. A
// target out of range is rejected before the move is queued.
func (s *Stage) MoveAbs(target map[string]float64) (*future.ProgressiveFuture, error) {
	for axis, v := range target {
		if err := s.checkRange(axis, v); err != nil {
			return nil, err
		}
	}
	return s.submit(func(start []float64) []float64 {
		end := slices.Clone(start)
		for i, axis := range axes {
			if v, ok := target[axis]; ok {
				end[i] = v
			}
		}
		return end
	}), nil
}

func (s *Stage) checkRange(axis string, v float64) error {
	if math.Abs(v) > s.limit {
		return errors.Validationf("%s=%v outside [-%v, %v]", axis, v, s.limit, s.limit)
	}
	return nil
}

func (s *Stage) submit(destination func(start []float64) []float64) *future.ProgressiveFuture {
	f := s.executor.SubmitProgressive(func(ctx context.Context, f *future.ProgressiveFuture) (any, error) {
		return s.run(ctx, f, destination)
	})
	s.mu.Lock()
	if !f.Done() {
		s.moves[f.ID()] = f
	}
	s.mu.Unlock()
	f.AddDoneCallback(func(future.Interface) {
		s.mu.Lock()
		delete(s.moves, f.ID())
		s.mu.Unlock()
	})
	return f
}

func (s *Stage) run(ctx context.Context, f *future.ProgressiveFuture, destination func([]float64) []float64) (any, error) {
	s.moveMu.Lock()
	defer s.moveMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.faulted(); err != nil {
		return nil, err
	}

	start := s.Position()
	end := destination(start)
	for i, axis := range axes {
		if err := s.checkRange(axis, end[i]); err != nil {
			return nil, err
		}
	}
	distance := math.Hypot(end[0]-start[0], end[1]-start[1])
	duration := time.Duration(distance / s.speed.Value() * float64(time.Second))
	began := time.Now()
	f.SetProgress(began, began.Add(duration))

	ticker := time.NewTicker(step)
	defer ticker.Stop()
	for {
		elapsed := time.Since(began)
		ratio := 1.0
		if duration > 0 {
			ratio = min(float64(elapsed)/float64(duration), 1)
		}
		pos := []float64{
			start[0] + (end[0]-start[0])*ratio,
			start[1] + (end[1]-start[1])*ratio,
		}
		if err := s.position.Update(pos); err != nil {
			return nil, err
		}
		if ratio >= 1 {
			return pos, nil
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Move cancelled", "position", pos)
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Stop cancels every queued and running move
func (s *Stage) Stop() {
	s.mu.Lock()
	moves := make([]*future.ProgressiveFuture, 0, len(s.moves))
	for _, f := range s.moves {
		moves = append(moves, f)
	}
	s.mu.Unlock()
	for _, f := range moves {
		f.Cancel()
	}
}

// InjectFault puts the stage in error: the state reports a hardware error and moves
// fail until the stage is recreated
func (s *Stage) InjectFault(msg string) {
	err := errors.NewHardwareError("%s", msg)
	s.mu.Lock()
	s.fault = err
	s.mu.Unlock()
	s.SetHardwareError(err)
}

func (s *Stage) faulted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// stageDriver registers the Stage class
type stageDriver struct{}

func (stageDriver) Registration() *component.Registration {
	return &component.Registration{
		Class:       StageClass,
		Description: "Simulated two-axis stage with cancellable moves",
		Version:     "0.1.0",
		Factory:     NewStage,
	}
}
