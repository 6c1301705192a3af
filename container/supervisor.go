package container

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/pkg/retry"
)

// DefaultStopTimeout is how long a child container gets to exit after a terminate request
const DefaultStopTimeout = 10 * time.Second

// Process is a running child container
type Process interface {
	Pid() int
	// Wait blocks until the process exits
	Wait() error
	Kill() error
}

// Launcher starts child containers
type Launcher interface {
	Launch(ctx context.Context, name string) (Process, error)
}

// ExecLauncher starts each child container as a new process of a daemon binary,
// by default the running executable, with `container --name <name>` followed by Args.
type ExecLauncher struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// Launch implements Launcher
func (l *ExecLauncher) Launch(_ context.Context, name string) (Process, error) {
	path := l.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, errors.WrapFatal(err, "ExecLauncher", "Launch", "find executable")
		}
		path = self
	}
	args := append([]string{"container", "--name", name}, l.Args...)
	cmd := exec.Command(path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = l.Stdout
	cmd.Stderr = l.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(fmt.Errorf("%w: %w", errors.ErrConstruction, err),
			"ExecLauncher", "Launch", "start container "+name)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int    { return p.cmd.Process.Pid }
func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error { return p.cmd.Process.Signal(syscall.SIGKILL) }

// Placement is one component of a microscope description, in instantiation order
type Placement struct {
	Container string
	Class     string
	Name      string
	Role      string
	Args      component.Args
	// Children maps a role to the name of a child component. Passed to the factory
	// as the "children" argument.
	Children map[string]string
	Affects  []string
	// Creator names the component that builds this one. Such components are only
	// looked up.
	Creator string
}

type child struct {
	name   string
	proc   Process
	exited chan struct{}
	err    error
}

// Supervisor is the root of a microscope: it launches the child containers, builds
// the components of a description across them, and tears everything down again.
type Supervisor struct {
	host        *Host
	launcher    Launcher
	logger      *slog.Logger
	readiness   retry.Config
	stopTimeout time.Duration

	mu         sync.Mutex
	children   []*child
	components []component.Component
}

// SupervisorOption configures a Supervisor
type SupervisorOption func(*Supervisor)

// WithReadiness sets how long a launched container is polled before giving up
func WithReadiness(cfg retry.Config) SupervisorOption {
	return func(s *Supervisor) { s.readiness = cfg }
}

// WithStopTimeout sets how long a child container gets to exit before it is killed
func WithStopTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) { s.stopTimeout = d }
}

// NewSupervisor creates the root supervisor running in host
func NewSupervisor(host *Host, launcher Launcher, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		host:        host,
		launcher:    launcher,
		logger:      host.logger.With("supervisor", host.name),
		readiness:   retry.Readiness(),
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the named child containers one by one and waits until each answers.
// On failure the containers already started are terminated.
func (s *Supervisor) Start(ctx context.Context, names ...string) error {
	for _, name := range names {
		if name == s.host.name {
			continue
		}
		if err := s.launch(ctx, name); err != nil {
			if terr := s.stopChildren(context.WithoutCancel(ctx)); terr != nil {
				s.logger.Warn("Cleanup after failed start incomplete", "error", terr)
			}
			return err
		}
	}
	return nil
}

func (s *Supervisor) launch(ctx context.Context, name string) error {
	proc, err := s.launcher.Launch(ctx, name)
	if err != nil {
		return err
	}
	c := &child{name: name, proc: proc, exited: make(chan struct{})}
	s.mu.Lock()
	s.children = append(s.children, c)
	s.mu.Unlock()
	go s.watch(c)

	err = retry.Do(ctx, s.readiness, func() error {
		select {
		case <-c.exited:
			return retry.NonRetryable(fmt.Errorf("container %s exited: %v", name, c.err))
		default:
		}
		pctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return s.host.Ping(pctx, name)
	})
	if err != nil {
		return errors.Wrap(fmt.Errorf("%w: container %s not ready: %w", errors.ErrConstruction, name, err),
			"Supervisor", "Start", "wait for container")
	}
	s.logger.Info("Container ready", "child", name, "pid", proc.Pid())
	return nil
}

// watch reaps a child and declares it dead when its process exits
func (s *Supervisor) watch(c *child) {
	c.err = c.proc.Wait()
	close(c.exited)
	s.host.liveness.MarkDead(c.name, "process exited")
	s.logger.Info("Container exited", "child", c.name, "error", c.err)
}

// Apply instantiates the placements in order and returns the components by name
func (s *Supervisor) Apply(ctx context.Context, plan []Placement) (map[string]component.Component, error) {
	built := make(map[string]component.Component, len(plan))
	for _, p := range plan {
		c, err := s.place(ctx, p)
		if err != nil {
			return built, errors.Wrap(err, "Supervisor", "Apply", "instantiate "+p.Name)
		}
		built[p.Name] = c
	}
	return built, nil
}

func (s *Supervisor) place(ctx context.Context, p Placement) (component.Component, error) {
	if p.Creator != "" {
		return s.host.Resolve(ctx, p.Name)
	}

	args := maps.Clone(p.Args)
	if args == nil {
		args = component.Args{}
	}
	if len(p.Children) > 0 {
		children := make(map[string]any, len(p.Children))
		for role, name := range p.Children {
			children[role] = name
		}
		args["children"] = children
	}

	c, err := s.host.InstantiateIn(ctx, p.Container, p.Class, p.Name, p.Role, args)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.components = append(s.components, c)
	s.mu.Unlock()

	if len(p.Affects) > 0 {
		if err := c.Affects().Set(slices.Clone(p.Affects)); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Terminate terminates the components built by Apply, newest first, then the child
// containers in parallel, then the root container itself.
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.mu.Lock()
	components := s.components
	s.components = nil
	s.mu.Unlock()

	var errs []error
	for i := len(components) - 1; i >= 0; i-- {
		c := components[i]
		if err := c.Terminate(ctx); err != nil && !errors.IsUnreachable(err) {
			errs = append(errs, fmt.Errorf("terminate %s: %w", c.Name(), err))
		}
	}
	if err := s.stopChildren(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.host.Terminate(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "Supervisor", "Terminate", "terminate microscope")
	}
	return nil
}

func (s *Supervisor) stopChildren(ctx context.Context) error {
	s.mu.Lock()
	children := s.children
	s.children = nil
	s.mu.Unlock()

	var g errgroup.Group
	for _, c := range children {
		g.Go(func() error {
			return s.stop(ctx, c)
		})
	}
	return g.Wait()
}

// stop asks a child to terminate and kills it if it does not exit in time
func (s *Supervisor) stop(ctx context.Context, c *child) error {
	select {
	case <-c.exited:
		return nil
	default:
	}

	tctx, cancel := context.WithTimeout(ctx, s.stopTimeout)
	defer cancel()
	if err := s.host.TerminateContainer(tctx, c.name); err != nil {
		s.logger.Warn("Terminate request failed", "child", c.name, "error", err)
	}

	select {
	case <-c.exited:
		return nil
	case <-tctx.Done():
	}

	s.logger.Warn("Container did not exit, killing it", "child", c.name)
	if err := c.proc.Kill(); err != nil {
		return errors.Wrap(err, "Supervisor", "stop", "kill container "+c.name)
	}
	select {
	case <-c.exited:
		return nil
	case <-time.After(time.Second):
		return errors.WrapFatal(fmt.Errorf("container %s survived kill", c.name), "Supervisor", "stop", "reap")
	}
}

// Children returns the names of the running child containers
func (s *Supervisor) Children() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.children))
	for _, c := range s.children {
		select {
		case <-c.exited:
		default:
			names = append(names, c.name)
		}
	}
	return names
}
