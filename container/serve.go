package container

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/dataflow"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/event"
)

// handleRequest serves each request on its own goroutine so that a slow method does not
// hold back other callers. A panic while serving fails that request only.
func (h *Host) handleRequest(msg *nats.Msg) {
	go errors.Isolate(func() { h.serve(msg) }, func(r any) {
		err := errors.Wrap(errors.PanicError(r), "Host", "serve", "handle request")
		h.logger.Error("Request handler panicked", "error", err)
		h.respond(msg, errorResponse(err))
	})
}

func (h *Host) serve(msg *nats.Msg) {
	start := time.Now()

	var req request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		h.respond(msg, errorResponse(errors.WrapInvalid(err, "Host", "serve", "decode request")))
		return
	}

	ctx := h.ctx
	if req.Deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *req.Deadline)
		defer cancel()
	}

	if req.Op == opTerminate && req.Object == "" {
		h.respond(msg, response{})
		h.logger.Info("Termination requested", "from", req.From)
		go func() {
			if err := h.Terminate(context.Background()); err != nil {
				h.logger.Error("Container termination failed", "error", err)
			}
		}()
		return
	}

	resp, err := h.dispatch(ctx, req)
	h.coreMetrics().RecordRemoteCall(h.name, req.Op, err, time.Since(start))
	if err != nil {
		h.logger.Debug("Request failed", "op", req.Op, "object", req.Object, "member", req.Member, "error", err)
		resp = errorResponse(err)
	}
	h.respond(msg, resp)
}

func (h *Host) respond(msg *nats.Msg, resp response) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(errorResponse(errors.WrapFatal(err, "Host", "respond", "encode response")))
	}
	if err := msg.Respond(data); err != nil {
		h.logger.Warn("Reply failed", "error", err)
	}
}

func (h *Host) dispatch(ctx context.Context, req request) (response, error) {
	switch req.Op {
	case opPing:
		return response{Instance: h.instance}, h.checkRunning("Ping")
	case opInstantiate:
		return h.serveInstantiate(ctx, req)
	case opDescribe:
		hc := h.hostedComponent(req.Object)
		if hc == nil {
			return response{}, errors.WrapInvalid(
				fmt.Errorf("%w: %s/%s", errors.ErrNotFound, h.name, req.Object), "Host", "describe", "find component")
		}
		d, err := h.describe(hc)
		return response{Description: d}, err
	case opTerminate:
		return response{}, h.terminateComponent(ctx, req.Object)
	case opCall, opCast, opTask:
		return h.serveCall(ctx, req)
	case opAttrSet:
		return h.serveAttrSet(ctx, req)
	case opFlowSub, opFlowUnsub, opFlowSync:
		return h.serveFlow(ctx, req)
	case opFutCancel:
		f, err := h.exported(req.Object)
		if err != nil {
			return response{}, err
		}
		accepted := f.Cancel()
		return response{Accepted: accepted, Future: h.snapshot(f)}, nil
	case opFutState:
		f, err := h.exported(req.Object)
		if err != nil {
			return response{}, err
		}
		return response{Future: h.snapshot(f)}, nil
	default:
		return response{}, errors.WrapInvalid(fmt.Errorf("unknown operation %q", req.Op), "Host", "dispatch", "route request")
	}
}

func (h *Host) serveInstantiate(ctx context.Context, req request) (response, error) {
	if _, err := h.Instantiate(ctx, req.Class, req.Object, req.Role, req.Kwargs); err != nil {
		return response{}, err
	}
	hc, err := h.lookupHosted(req.Object)
	if err != nil {
		return response{}, err
	}
	d, err := h.describe(hc)
	return response{Description: d}, err
}

func (h *Host) serveCall(ctx context.Context, req request) (response, error) {
	hc, err := h.lookupHosted(req.Object)
	if err != nil {
		return response{}, err
	}
	args, err := h.decodeArgs(ctx, req.Args)
	if err != nil {
		return response{}, err
	}

	switch req.Op {
	case opCast:
		return response{}, hc.comp.Cast(req.Member, args...)
	case opTask:
		// The task outlives the request, so it gets the container context
		f, err := hc.comp.CallAsync(h.ctx, req.Member, args...)
		if err != nil {
			return response{}, err
		}
		ref := h.exportFuture(f)
		return response{Value: &Value{Ref: &ref}, Future: h.snapshot(f)}, nil
	default:
		result, err := hc.comp.Call(ctx, req.Member, args...)
		if err != nil {
			return response{}, err
		}
		val, err := h.encodeValue(result)
		if err != nil {
			return response{}, err
		}
		return response{Value: &val}, nil
	}
}

func (h *Host) serveAttrSet(ctx context.Context, req request) (response, error) {
	hc, err := h.lookupHosted(req.Object)
	if err != nil {
		return response{}, err
	}
	attr, ok := hc.comp.Attributes()[req.Member]
	if !ok {
		return response{}, errors.WrapInvalid(
			fmt.Errorf("%w: attribute %s.%s", errors.ErrNotFound, req.Object, req.Member), "Host", "serveAttrSet", "find attribute")
	}
	var v any
	if req.Value != nil {
		if v, err = h.decodeValue(ctx, *req.Value); err != nil {
			return response{}, err
		}
	}
	version, ok := hc.versions[req.Member]
	if !ok {
		return response{}, errors.WrapInvalid(
			fmt.Errorf("%w: attribute %s.%s is not published", errors.ErrNotFound, req.Object, req.Member),
			"Host", "serveAttrSet", "find attribute")
	}
	if err := attr.Set(v); err != nil {
		return response{}, err
	}
	return response{Version: version.Load()}, nil
}

func (h *Host) serveFlow(ctx context.Context, req request) (response, error) {
	if req.Op == opFlowUnsub {
		h.mu.Lock()
		fs, ok := h.flowSubs[req.Sub]
		delete(h.flowSubs, req.Sub)
		h.mu.Unlock()
		if ok {
			fs.sub.Unsubscribe()
		}
		return response{}, nil
	}

	hc, err := h.lookupHosted(req.Object)
	if err != nil {
		return response{}, err
	}
	df, ok := hc.comp.DataFlows()[req.Member]
	if !ok {
		return response{}, errors.WrapInvalid(
			fmt.Errorf("%w: dataflow %s.%s", errors.ErrNotFound, req.Object, req.Member), "Host", "serveFlow", "find dataflow")
	}

	if req.Op == opFlowSync {
		var ev event.Interface
		if req.Value != nil && (req.Value.Ref != nil || len(req.Value.Data) > 0) {
			v, err := h.decodeValue(ctx, *req.Value)
			if err != nil {
				return response{}, err
			}
			if v != nil {
				if ev, ok = v.(event.Interface); !ok {
					return response{}, errors.Validationf("cannot synchronize on %T", v)
				}
			}
		}
		return response{}, df.SynchronizedOn(ev)
	}

	subject := req.Subject
	if subject == "" {
		return response{}, errors.Validationf("dataflow subscription without subject")
	}
	id := uuid.NewString()
	sub := df.Subscribe(func(b dataflow.Block) {
		h.publishBlock(subject, b)
	})

	h.mu.Lock()
	h.flowSubs[id] = &flowSub{owner: req.From, sub: sub}
	h.mu.Unlock()
	return response{Sub: id}, nil
}

// dropFlowSubs releases the dataflow subscriptions held for a container that went away
func (h *Host) dropFlowSubs(owner string) {
	h.mu.Lock()
	var dropped []*flowSub
	for id, fs := range h.flowSubs {
		if fs.owner == owner {
			dropped = append(dropped, fs)
			delete(h.flowSubs, id)
		}
	}
	h.mu.Unlock()

	for _, fs := range dropped {
		fs.sub.Unsubscribe()
	}
	if len(dropped) > 0 {
		h.logger.Info("Released dataflow subscriptions of dead container", "owner", owner, "count", len(dropped))
	}
}

var _ component.Resolver = (*Host)(nil)
var _ component.Publisher = (*Host)(nil)
