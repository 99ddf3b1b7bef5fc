package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/ebusd-bridge/internal/bridges/ebusd"
)

// StatusSnapshot is the body of GET /api/v1/metrics: a JSON view for
// dashboards that do not scrape the Prometheus endpoint.
type StatusSnapshot struct {
	Timestamp     time.Time             `json:"timestamp"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Bridge        ebusd.BridgeMetrics   `json:"bridge"`
	Circuits      []ebusd.CircuitHealth `json:"circuits"`
	Links         LinkStatus            `json:"links"`
	Runtime       RuntimeStatus         `json:"runtime"`
	Database      *PoolStatus           `json:"database,omitempty"`
}

// LinkStatus covers the bridge's client-facing connections.
type LinkStatus struct {
	MQTTConnected    bool   `json:"mqtt_connected"`
	WebSocketClients int    `json:"websocket_clients"`
	WebSocketDropped uint64 `json:"websocket_dropped"`
	PendingTickets   int    `json:"pending_tickets"`
}

// RuntimeStatus is a subset of runtime.MemStats.
type RuntimeStatus struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	HeapObjects    uint64 `json:"heap_objects"`
	NumGC          uint32 `json:"num_gc"`
}

// PoolStatus is the SQLite connection pool state.
type PoolStatus struct {
	Open       int   `json:"open"`
	InUse      int   `json:"in_use"`
	WaitCount  int64 `json:"wait_count"`
	WaitMillis int64 `json:"wait_ms"`
}

func (s *Server) snapshot(now time.Time) StatusSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := StatusSnapshot{
		Timestamp:     now.UTC(),
		Version:       s.version,
		UptimeSeconds: int64(now.Sub(s.startTime).Seconds()),
		Bridge:        s.bridge.GetMetrics(),
		Circuits:      s.bridge.CircuitHealth(),
		Links: LinkStatus{
			MQTTConnected:    s.mqtt != nil && s.mqtt.IsConnected(),
			WebSocketClients: s.hub.ClientCount(),
			WebSocketDropped: s.hub.Dropped(),
			PendingTickets:   s.tickets.pending(),
		},
		Runtime: RuntimeStatus{
			Goroutines:     runtime.NumGoroutine(),
			HeapAllocBytes: mem.HeapAlloc,
			HeapObjects:    mem.HeapObjects,
			NumGC:          mem.NumGC,
		},
	}
	if s.db != nil {
		st := s.db.Stats()
		snap.Database = &PoolStatus{
			Open:       st.OpenConnections,
			InUse:      st.InUse,
			WaitCount:  st.WaitCount,
			WaitMillis: st.WaitDuration.Milliseconds(),
		}
	}
	return snap
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot(time.Now()))
}
