// Package health tracks the health of hosted components and the liveness of remote
// containers. A container that misses its heartbeats is reported unhealthy and every
// proxy into it starts failing with errors.ErrUnreachable.
package health

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Status values
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

var (
	urlRegex        = regexp.MustCompile(`(?:https?|nats|wss?|tls)://[^\s]+`)
	devicePathRegex = regexp.MustCompile(`/(?:dev|sys|proc|home|tmp|var)/[a-zA-Z0-9/_.-]*`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex       = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status is the health of a component, a container or the whole microscope
type Status struct {
	Component   string        `json:"component"`
	Healthy     bool          `json:"healthy"`
	Status      string        `json:"status"`
	Message     string        `json:"message"`
	Timestamp   time.Time     `json:"timestamp"`
	Uptime      time.Duration `json:"uptime,omitempty"`
	SubStatuses []Status      `json:"sub_statuses,omitempty"`
}

func newStatus(name, state, message string) Status {
	return Status{
		Component: name,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(name, message string) Status { return newStatus(name, StateHealthy, message) }

// NewDegraded creates a degraded status
func NewDegraded(name, message string) Status { return newStatus(name, StateDegraded, message) }

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(name, message string) Status { return newStatus(name, StateUnhealthy, message) }

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// Aggregate combines members into one status: unhealthy if any member is, else
// degraded if any member is, else healthy.
func Aggregate(name string, members []Status) Status {
	if len(members) == 0 {
		return NewHealthy(name, "nothing to report")
	}

	var unhealthy, degraded int
	for _, m := range members {
		switch {
		case m.IsUnhealthy():
			unhealthy++
		case m.IsDegraded():
			degraded++
		}
	}

	var status Status
	switch {
	case unhealthy > 0:
		status = NewUnhealthy(name, plural(unhealthy, "member")+" unhealthy")
	case degraded > 0:
		status = NewDegraded(name, plural(degraded, "member")+" degraded")
	default:
		status = NewHealthy(name, "all members healthy")
	}
	status.SubStatuses = append([]Status(nil), members...)
	return status
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}

// FromComponentState converts a component lifecycle phase and its fault, if any, to a
// Status. A faulted component is unhealthy, a component not yet running is degraded
// and a stopped component is unhealthy.
func FromComponentState(name, phase string, fault error, since time.Time) Status {
	var status Status
	switch {
	case fault != nil:
		status = NewUnhealthy(name, sanitizeErrorMessage(fault.Error()))
	case phase == "running":
		status = NewHealthy(name, "running")
	case phase == "starting" || phase == "unloaded":
		status = NewDegraded(name, phase)
	default:
		status = NewUnhealthy(name, phase)
	}
	if !since.IsZero() {
		status.Uptime = time.Since(since)
	}
	return status
}

// sanitizeErrorMessage strips addresses, host paths and credentials from a device
// fault before it is served on the health endpoint.
func sanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = devicePathRegex.ReplaceAllString(msg, "[PATH]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	msg = portRegex.ReplaceAllString(msg, "[PORT]")

	lower := strings.ToLower(msg)
	for _, word := range []string{"password", "token", "secret", "credential"} {
		if strings.Contains(lower, word) {
			return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
		}
	}
	return msg
}
