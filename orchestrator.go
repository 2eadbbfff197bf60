// Package agentmux drives coding-agent CLI sessions for connected
// workspaces and multiplexes their conversation threads behind one service
// surface.
package agentmux

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/agentmux/core"
	"pkt.systems/agentmux/internal/appconfig"
	"pkt.systems/agentmux/internal/eventbus"
	"pkt.systems/agentmux/internal/usage"
	"pkt.systems/agentmux/schema"
	"pkt.systems/pslog"
)

// Config configures the orchestrator.
type Config struct {
	Service schema.ServiceConfig
	// Workspaces are connected at Start. Connect failures are surfaced as
	// workspace state, not startup errors.
	Workspaces   []appconfig.WorkspaceConfig
	LogRawEvents bool
}

// Deps captures the orchestrator's injectable dependencies.
type Deps struct {
	// AdapterProvider overrides the default transport selection. Leave nil
	// for the built-in duplex/shim provider.
	AdapterProvider core.AdapterProvider
	// EventSink receives service events in addition to the event bus.
	EventSink core.EventSink
	Logger    pslog.Logger
}

// Orchestrator owns the agent session service and its event bus.
type Orchestrator struct {
	cfg     Config
	service core.Service
	bus     *eventbus.Bus
	usage   *usage.Tracker
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New constructs an orchestrator from configuration.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	bus := eventbus.New(deps.Logger)
	tracker := usage.NewTracker(deps.Logger)

	sinks := []core.EventSink{bus, tracker}
	if deps.EventSink != nil {
		sinks = append([]core.EventSink{deps.EventSink}, sinks...)
	}
	sink := core.EventSink(eventFanout{sinks: sinks})

	provider := deps.AdapterProvider
	if provider == nil {
		provider = NewAdapterProvider(cfg.Service, cfg.LogRawEvents)
	}

	service, err := core.NewService(cfg.Service, core.ServiceDeps{
		AdapterProvider: provider,
		EventSink:       sink,
		Logger:          deps.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		cfg:     cfg,
		service: service,
		bus:     bus,
		usage:   tracker,
		logger:  deps.Logger,
	}, nil
}

// Service exposes the session orchestration surface.
func (o *Orchestrator) Service() core.Service {
	return o.service
}

// Bus exposes the event stream multiplexer for subscribers.
func (o *Orchestrator) Bus() *eventbus.Bus {
	return o.bus
}

// Usage exposes accumulated token usage per workspace and thread.
func (o *Orchestrator) Usage() *usage.Tracker {
	return o.usage
}

// Start connects the configured workspaces. A workspace that fails to
// connect stays in error state and does not abort the others.
func (o *Orchestrator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.started = true
	o.mu.Unlock()

	log := o.log()
	log.Info("orchestrator start", "workspaces", len(o.cfg.Workspaces))
	for _, ws := range o.cfg.Workspaces {
		_, err := o.service.ConnectWorkspace(o.ctx, schema.ConnectWorkspaceRequest{
			WorkspaceID:    schema.WorkspaceID(ws.ID),
			Path:           ws.Path,
			Backend:        schema.BackendKind(ws.Backend),
			BinaryOverride: ws.Binary,
			ExtraArgs:      ws.Args,
			Env:            ws.Env,
		})
		if err != nil {
			log.Error("orchestrator workspace connect failed", "workspace", ws.ID, "err", err)
		}
	}
	return nil
}

// Wait blocks until the orchestrator is stopped.
func (o *Orchestrator) Wait() error {
	o.mu.Lock()
	ctx := o.ctx
	started := o.started
	o.mu.Unlock()
	if !started {
		return errors.New("orchestrator not started")
	}
	<-ctx.Done()
	return nil
}

// Stop disconnects all workspaces and releases the sessions.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	cancel := o.cancel
	started := o.started
	o.mu.Unlock()
	if !started {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	log := o.log()
	log.Info("orchestrator stop requested")
	err := o.service.Close(ctx)
	if cancel != nil {
		cancel()
	}
	if err != nil {
		log.Warn("orchestrator stop incomplete", "err", err)
		return err
	}
	log.Info("orchestrator stopped")
	return nil
}

func (o *Orchestrator) log() pslog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return pslog.Ctx(context.Background())
}
