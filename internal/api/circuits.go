package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/ebusd-bridge/internal/bridges/ebusd"
)

// updateVariablesRequest is the request body for PUT /circuits/{circuit}/variables.
type updateVariablesRequest struct {
	Edits []ebusd.VariableEdit `json:"edits"`
}

// setValueRequest is the request body for POST /circuits/{circuit}/messages/{message}/set.
type setValueRequest struct {
	Value any `json:"value"`
}

// lookupCircuit resolves the {circuit} URL parameter, writing a 404 on failure.
func (s *Server) lookupCircuit(w http.ResponseWriter, r *http.Request) (CircuitService, bool) {
	name := chi.URLParam(r, "circuit")
	c, err := s.bridge.LookupCircuit(name)
	if err != nil {
		writeBridgeError(w, r, err)
		return nil, false
	}
	return c, true
}

func (s *Server) handleListCircuits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": s.bridge.CircuitHealth(),
	})
}

func (s *Server) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCircuit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Health())
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCircuit(w, r)
	if !ok {
		return
	}
	set := c.MessageSet()
	if set == nil {
		writeBridgeError(w, r, ebusd.ErrNoConfiguration)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"circuit":    set.Circuit(),
		"revision":   set.Revision(),
		"fetched_at": set.FetchedAt(),
		"messages":   set.Messages(),
	})
}

func (s *Server) handleGetVariables(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCircuit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"variables": c.Variables(),
	})
}

func (s *Server) handleUpdateVariables(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCircuit(w, r)
	if !ok {
		return
	}

	var req updateVariablesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid JSON body")
		return
	}
	if len(req.Edits) == 0 {
		writeBadRequest(w, r, "edits must not be empty")
		return
	}

	list, err := c.UpdateVariables(r.Context(), req.Edits)
	if err != nil {
		writeBridgeError(w, r, err)
		return
	}
	s.logger.Info("variables updated",
		"circuit", chi.URLParam(r, "circuit"),
		"edits", len(req.Edits),
		"subject", r.Context().Value(ctxKeySubject),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"variables": list,
	})
}

func (s *Server) handleReadConfiguration(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCircuit(w, r)
	if !ok {
		return
	}
	set, err := c.ReadConfiguration(r.Context())
	if err != nil {
		writeBridgeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"circuit":    set.Circuit(),
		"revision":   set.Revision(),
		"fetched_at": set.FetchedAt(),
		"messages":   set.Len(),
	})
}

func (s *Server) handleReadValues(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCircuit(w, r)
	if !ok {
		return
	}
	list, read, err := c.ReadCurrentValues(r.Context())
	if err != nil && list == nil {
		writeBridgeError(w, r, err)
		return
	}
	// A timeout mid-read still returns what was collected.
	writeJSON(w, http.StatusOK, map[string]any{
		"variables": list,
		"read":      read,
		"complete":  err == nil,
	})
}

func (s *Server) handleRequestValues(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCircuit(w, r)
	if !ok {
		return
	}
	n, err := c.RequestAllValues()
	if err != nil {
		writeBridgeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"requested": n,
	})
}

func (s *Server) handleGetValues(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCircuit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"values": c.LastValues(),
	})
}

func (s *Server) handleSetValue(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupCircuit(w, r)
	if !ok {
		return
	}

	var req setValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, r, "invalid JSON body")
		return
	}

	message := chi.URLParam(r, "message")
	payload, err := c.SetValue(message, req.Value)
	if err != nil {
		writeBridgeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"circuit": chi.URLParam(r, "circuit"),
		"message": message,
		"payload": payload,
	})
}

func (s *Server) handleListGatewayCircuits(w http.ResponseWriter, r *http.Request) {
	circuits, err := s.bridge.ListGatewayCircuits(r.Context())
	if err != nil {
		writeBridgeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"circuits": circuits,
	})
}
