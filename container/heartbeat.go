package container

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
)

// heartbeatLoop announces the container until it terminates
func (h *Host) heartbeatLoop() {
	defer h.wg.Done()

	data, err := json.Marshal(heartbeat{Instance: h.instance})
	if err != nil {
		h.logger.Error("Heartbeat encoding failed", "error", err)
		return
	}
	subject := heartbeatSubject(h.name)
	beat := func() {
		if err := h.client.Publish(subject, data); err != nil {
			h.logger.Debug("Heartbeat publish failed", "error", err)
		}
	}

	beat()
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			beat()
		}
	}
}

func (h *Host) handleHeartbeat(msg *nats.Msg) {
	name := lastToken(msg.Subject)
	if name == h.name {
		return
	}
	var hb heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		h.logger.Debug("Malformed heartbeat", "subject", msg.Subject, "error", err)
		return
	}

	h.mu.Lock()
	previous := h.instances[name]
	h.instances[name] = hb.Instance
	h.mu.Unlock()

	if previous != "" && previous != hb.Instance {
		// A new run of the container: the previous one is gone for good
		h.liveness.MarkDead(name, "restarted")
		h.liveness.Forget(name)
		h.logger.Info("Container restarted", "remote", name, "instance", hb.Instance)
	}
	h.liveness.Beat(name)
}

func (h *Host) handleTerminated(msg *nats.Msg) {
	name := lastToken(msg.Subject)
	if name == h.name {
		return
	}
	h.liveness.MarkDead(name, "terminated")
}

// livenessChanged reacts to another container appearing or dying. A dead container
// fails every pending and later request through its proxies and loses the dataflow
// subscriptions it held here.
func (h *Host) livenessChanged(name string, alive bool) {
	h.coreMetrics().RecordContainerAlive(name, alive)
	if alive {
		h.logger.Info("Container alive", "remote", name)
		return
	}

	reason, _ := h.liveness.Dead(name)
	h.mu.RLock()
	r := h.remotes[name]
	h.mu.RUnlock()
	if r != nil {
		r.die(reason)
	}
	h.dropFlowSubs(name)
	h.logger.Warn("Container dead", "remote", name, "reason", reason)
}
