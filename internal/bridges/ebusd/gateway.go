package ebusd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Default timeouts for gateway requests.
const (
	defaultGatewayTimeout = 5 * time.Second
	defaultDialTimeout    = 2 * time.Second

	// maxGatewayBody caps a response body; a full circuit catalog with
	// definitions stays well below this.
	maxGatewayBody = 16 << 20
)

// Circuits that ListCircuits never returns.
var excludedCircuits = map[string]bool{GlobalCircuit: true, "broadcast": true}

const scannerPrefix = "scan."

// Gateway is an HTTP client for the ebusd JSON interface.
//
// Thread Safety: All methods are safe for concurrent use.
type Gateway struct {
	baseURL    string
	httpClient *http.Client
}

// GatewayOptions overrides the default request timeouts.
type GatewayOptions struct {
	Timeout     time.Duration
	DialTimeout time.Duration
}

// NewGateway returns a client for the ebusd HTTP port at host:port.
func NewGateway(host, port string, opts GatewayOptions) *Gateway {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultGatewayTimeout
	}
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = defaultDialTimeout
	}

	transport := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: dial}).DialContext,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Gateway{
		baseURL:    "http://" + net.JoinHostPort(host, port),
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// BaseURL returns the gateway root URL.
func (g *Gateway) BaseURL() string { return g.baseURL }

// FetchConfiguration returns the raw catalog document for a circuit,
// with definitions, verbose field info and write messages included.
func (g *Gateway) FetchConfiguration(ctx context.Context, circuit string) ([]byte, error) {
	body, _, err := g.getObject(ctx, "/data/"+url.PathEscape(circuit)+"/", "def&verbose&exact&write")
	return body, err
}

// FetchCurrentValue reads the current value of one message. The returned
// payload is empty when the gateway answered without fields.
func (g *Gateway) FetchCurrentValue(ctx context.Context, circuit, message string) (Payload, error) {
	path := "/data/" + url.PathEscape(circuit) + "/" + url.PathEscape(message)
	_, top, err := g.getObject(ctx, path, "def&verbose&exact&required&maxage=600")
	if err != nil {
		return nil, err
	}

	var c struct {
		Messages map[string]json.RawMessage `json:"messages"`
	}
	if raw, ok := top[circuit]; ok {
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, fmt.Errorf("%w: circuit %s: %w", ErrGatewayRequest, circuit, err)
		}
	}
	raw, ok := c.Messages[message]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrMessageNotFound, circuit, message)
	}

	var m struct {
		Fields json.RawMessage `json:"fields"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: message %s: %w", ErrGatewayRequest, message, err)
	}
	if len(m.Fields) == 0 || string(m.Fields) == "null" {
		return Payload{}, nil
	}
	p, err := ParsePayload(m.Fields)
	if err != nil {
		return nil, fmt.Errorf("%w: message %s: %w", ErrGatewayRequest, message, err)
	}
	return p, nil
}

// ProbeCircuit queries the circuit status document, reporting the
// global signal and the circuits present in the response.
func (g *Gateway) ProbeCircuit(ctx context.Context, circuit string) (GatewayStatus, error) {
	_, top, err := g.getObject(ctx, "/data/"+url.PathEscape(circuit), "")
	if err != nil {
		return GatewayStatus{}, err
	}

	gs := GatewayStatus{Circuits: make([]string, 0, len(top))}
	for name := range top {
		gs.Circuits = append(gs.Circuits, name)
	}
	sort.Strings(gs.Circuits)

	if raw, ok := top[GlobalCircuit]; ok {
		var global map[string]any
		if err := json.Unmarshal(raw, &global); err == nil {
			gs.Signal = global["signal"]
		}
	}
	return gs, nil
}

// ListCircuits returns the circuits the gateway knows, excluding the
// global and broadcast pseudo circuits and scan results.
func (g *Gateway) ListCircuits(ctx context.Context) ([]string, error) {
	_, top, err := g.getObject(ctx, "/data", "")
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(top))
	for name := range top {
		if excludedCircuits[name] || strings.HasPrefix(name, scannerPrefix) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// getObject performs a GET and requires a 2xx JSON object response.
func (g *Gateway) getObject(ctx context.Context, path, rawQuery string) ([]byte, map[string]json.RawMessage, error) {
	u := g.baseURL + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: building request: %w", ErrGatewayRequest, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrGatewayRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGatewayBody))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading body: %w", ErrGatewayRequest, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%w: HTTP %d for %s", ErrGatewayRequest, resp.StatusCode, path)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding %s: %w", ErrGatewayRequest, path, err)
	}
	if top == nil {
		return nil, nil, fmt.Errorf("%w: %s returned no object", ErrGatewayRequest, path)
	}
	return body, top, nil
}
