package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
)

type connectorRequest struct {
	event.ConnectorSpec
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at,omitempty"`
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return connector.WrapInvalid("httpapi", "decode_body", err)
	}
	return nil
}

func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	specs, err := s.store.ListConnectors(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, specs, "ok")
}

func (s *Server) handleCreateConnector(w http.ResponseWriter, r *http.Request) {
	var req connectorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.reg.ValidateConnector(req.Kind, req.Config); err != nil {
		writeErr(w, connector.WrapInvalid("httpapi", "create_connector", err))
		return
	}
	spec, err := s.store.PutConnector(r.Context(), req.ConnectorSpec, nil)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, spec, "connector created")
}

func (s *Server) handleGetConnector(w http.ResponseWriter, r *http.Request) {
	spec, err := s.store.GetConnector(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, spec, "ok")
}

func (s *Server) handlePutConnector(w http.ResponseWriter, r *http.Request) {
	var req connectorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	req.Name = r.PathValue("name")
	if err := s.reg.ValidateConnector(req.Kind, req.Config); err != nil {
		writeErr(w, connector.WrapInvalid("httpapi", "update_connector", err))
		return
	}
	spec, err := s.store.PutConnector(r.Context(), req.ConnectorSpec, req.ExpectedUpdatedAt)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, spec, "connector updated")
}

func (s *Server) handleDeleteConnector(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteConnector(r.Context(), r.PathValue("name")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil, "connector deleted")
}

func (s *Server) handleTestConnector(w http.ResponseWriter, r *http.Request) {
	spec, err := s.store.GetConnector(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.testConnectorConfig(w, r, spec.Kind, spec.Config)
}

func (s *Server) handleTestConnectorConfig(w http.ResponseWriter, r *http.Request) {
	var req connectorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	s.testConnectorConfig(w, r, req.Kind, req.Config)
}

func (s *Server) testConnectorConfig(w http.ResponseWriter, r *http.Request, kind string, config json.RawMessage) {
	s.connectorProbes.Add(1)
	if err := s.reg.ValidateConnector(kind, config); err != nil {
		writeErr(w, connector.WrapInvalid("httpapi", "test_connector", err))
		return
	}
	conn, err := s.reg.CreateConnector(kind, config)
	if err != nil {
		writeErr(w, err)
		return
	}
	ctx, cancel := probeTimeout(r.Context())
	defer cancel()
	if err := conn.Test(ctx); err != nil {
		writeErr(w, connector.WrapTransient("httpapi", "test_connector", err))
		return
	}
	writeOK(w, http.StatusOK, nil, "connector reachable")
}
