package ebusd

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// GlobalCircuit is the reserved ebusd circuit carrying gateway-wide state.
const GlobalCircuit = "global"

// Status is the connection health of one circuit.
type Status int

// Status codes. The numeric values are stable and part of the health
// messages and API responses.
const (
	StatusActive       Status = 102
	StatusInactive     Status = 104
	StatusPortInvalid  Status = 202
	StatusTopicInvalid Status = 203
	StatusIPInvalid    Status = 204
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	case StatusPortInvalid:
		return "port_invalid"
	case StatusTopicInvalid:
		return "topic_invalid"
	case StatusIPInvalid:
		return "ip_invalid"
	default:
		return "unknown"
	}
}

// MarshalText lets Status appear as its name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for _, c := range []Status{StatusActive, StatusInactive, StatusPortInvalid, StatusTopicInvalid, StatusIPInvalid} {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Code returns the numeric status code.
func (s Status) Code() int { return int(s) }

// GatewayStatus is what the gateway reports for a circuit status query.
type GatewayStatus struct {
	// Signal is the raw value of global.signal, nil when absent.
	Signal any

	// Circuits lists the top-level keys of the response.
	Circuits []string
}

// HasCircuit reports whether name is among the listed circuits.
func (g GatewayStatus) HasCircuit(name string) bool {
	for _, c := range g.Circuits {
		if c == name {
			return true
		}
	}
	return false
}

// Prober queries the gateway for a circuit's status.
type Prober interface {
	ProbeCircuit(ctx context.Context, circuit string) (GatewayStatus, error)
}

// HealthInput is the local state a health evaluation runs against.
type HealthInput struct {
	Host    string
	Port    string
	Circuit string

	// TransportConnected is true when the MQTT client is connected.
	TransportConnected bool

	// SignalPresent is the last value of the global signal broadcast.
	SignalPresent bool
}

// HealthResult is the outcome of a health evaluation.
type HealthResult struct {
	Status Status `json:"status"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func healthResult(s Status, reason string) HealthResult {
	return HealthResult{Status: s, Code: s.Code(), Reason: reason}
}

// EvaluateHealth runs the ordered health checks and returns the first
// failing one. The prober is only consulted once the local checks pass.
func EvaluateHealth(ctx context.Context, in HealthInput, prober Prober) HealthResult {
	if !ValidHost(in.Host) {
		return healthResult(StatusIPInvalid, fmt.Sprintf("invalid host %q", in.Host))
	}
	if !ValidPort(in.Port) {
		return healthResult(StatusPortInvalid, fmt.Sprintf("invalid port %q", in.Port))
	}

	circuit := strings.ToLower(in.Circuit)
	if circuit == "" {
		return healthResult(StatusTopicInvalid, "circuit name is empty")
	}
	if circuit == GlobalCircuit {
		return healthResult(StatusTopicInvalid, "circuit name is reserved")
	}

	if !in.TransportConnected {
		return healthResult(StatusInactive, "mqtt not connected")
	}

	if prober == nil {
		return healthResult(StatusInactive, "no gateway prober")
	}
	gs, err := prober.ProbeCircuit(ctx, circuit)
	if err != nil {
		return healthResult(StatusInactive, "gateway unreachable: "+err.Error())
	}
	if signal, ok := ParseBoolish(gs.Signal); !ok || !signal {
		return healthResult(StatusInactive, "gateway reports no bus signal")
	}

	if !gs.HasCircuit(circuit) {
		return healthResult(StatusTopicInvalid, fmt.Sprintf("circuit %q not known to gateway", circuit))
	}

	if !in.SignalPresent {
		return healthResult(StatusInactive, "no signal")
	}

	return healthResult(StatusActive, "active")
}

// ValidHost reports whether host is an IP literal or a hostname.
// A dotted name whose last label is all digits is not a hostname, so
// malformed IPv4 literals such as 999.999.999.999 are rejected.
func ValidHost(host string) bool {
	if host == "" {
		return false
	}
	if net.ParseIP(host) != nil {
		return true
	}
	return validHostname(host)
}

func validHostname(host string) bool {
	host = strings.TrimSuffix(host, ".")
	if host == "" || len(host) > 253 {
		return false
	}
	labels := strings.Split(host, ".")
	for _, l := range labels {
		if l == "" || len(l) > 63 {
			return false
		}
		if l[0] == '-' || l[len(l)-1] == '-' {
			return false
		}
		for i := 0; i < len(l); i++ {
			c := l[i]
			if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
				return false
			}
		}
	}
	last := labels[len(labels)-1]
	allDigits := true
	for i := 0; i < len(last); i++ {
		if !isDigit(last[i]) {
			allDigits = false
			break
		}
	}
	return !allDigits
}

// ValidPort reports whether port is a decimal integer in 1..65535.
func ValidPort(port string) bool {
	n, err := strconv.Atoi(strings.TrimSpace(port))
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// ParseBoolish interprets true/false, 1/0, yes/no and on/off, case
// insensitive, from strings, booleans and numbers.
func ParseBoolish(v any) (value, ok bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case int64:
		return boolishNumber(float64(x))
	case int:
		return boolishNumber(float64(x))
	case float64:
		return boolishNumber(x)
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "true", "yes", "on":
			return true, true
		case "0", "false", "no", "off", "":
			return false, true
		}
	}
	return false, false
}

func boolishNumber(f float64) (bool, bool) {
	switch f {
	case 1:
		return true, true
	case 0:
		return false, true
	}
	return false, false
}

// Backoff computes the next health-check delay.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBackoff returns the 5s..180s backoff.
func DefaultBackoff() Backoff {
	return Backoff{Min: 5 * time.Second, Max: 180 * time.Second}
}

// Next returns the delay before the next check. An active circuit
// returns 0, which resets the sequence.
func (b Backoff) Next(prev time.Duration, status Status) time.Duration {
	if status == StatusActive {
		return 0
	}
	next := prev * 2
	if next < b.Min {
		next = b.Min
	}
	if next > b.Max {
		next = b.Max
	}
	return next
}
