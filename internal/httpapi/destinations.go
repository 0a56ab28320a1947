package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

type destinationRequest struct {
	event.DestinationSpec
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at,omitempty"`
}

func (s *Server) handleListDestinations(w http.ResponseWriter, r *http.Request) {
	specs, err := s.store.ListDestinations(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, specs, "ok")
}

func (s *Server) handleCreateDestination(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.reg.ValidateDestination(req.Kind, req.Config); err != nil {
		writeErr(w, connector.WrapInvalid("httpapi", "create_destination", err))
		return
	}
	spec, err := s.store.PutDestination(r.Context(), req.DestinationSpec, nil)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, spec, "destination created")
}

func (s *Server) handleGetDestination(w http.ResponseWriter, r *http.Request) {
	spec, err := s.store.GetDestination(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, spec, "ok")
}

func (s *Server) handlePutDestination(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	req.Name = r.PathValue("name")
	if err := s.reg.ValidateDestination(req.Kind, req.Config); err != nil {
		writeErr(w, connector.WrapInvalid("httpapi", "update_destination", err))
		return
	}
	spec, err := s.store.PutDestination(r.Context(), req.DestinationSpec, req.ExpectedUpdatedAt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, spec, "destination updated")
}

func (s *Server) handleDeleteDestination(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteDestination(r.Context(), r.PathValue("name")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil, "destination deleted")
}

func (s *Server) handleTestDestination(w http.ResponseWriter, r *http.Request) {
	spec, err := s.store.GetDestination(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.testDestinationConfig(w, r, spec.Kind, spec.Config)
}

func (s *Server) handleTestDestinationConfig(w http.ResponseWriter, r *http.Request) {
	var req destinationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	s.testDestinationConfig(w, r, req.Kind, req.Config)
}

func (s *Server) testDestinationConfig(w http.ResponseWriter, r *http.Request, kind string, config json.RawMessage) {
	s.destinationProbes.Add(1)
	if err := s.reg.ValidateDestination(kind, config); err != nil {
		writeErr(w, connector.WrapInvalid("httpapi", "test_destination", err))
		return
	}
	dest, err := s.reg.CreateDestination(kind, config)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := probeTimeout(r.Context())
	defer cancel()
	if err := dest.Test(ctx); err != nil {
		writeErr(w, connector.WrapTransient("httpapi", "test_destination", err))
		return
	}
	writeOK(w, http.StatusOK, nil, "destination reachable")
}
