package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/brackenfield/flowgate/pkg/connector"
	"github.com/brackenfield/flowgate/pkg/event"
	"github.com/brackenfield/flowgate/pkg/orchestrator"
)

type flowRequest struct {
	event.FlowSpec
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at,omitempty"`
}

// flowView is the §4.4 list()/get() projection: spec plus live status
// and metrics.
type flowView struct {
	event.FlowSpec `json:",inline"`
	Status         event.Status      `json:"status"`
	Reason         string            `json:"reason,omitempty"`
	Metrics        event.FlowMetrics `json:"metrics"`
}

func (s *Server) projectFlow(spec event.FlowSpec) flowView {
	v, err := s.orch.Get(spec.Name)
	if err != nil {
		return flowView{FlowSpec: spec, Status: event.StatusInactive}
	}
	return flowView{FlowSpec: spec, Status: v.Status.Status, Reason: v.Status.Reason, Metrics: v.Metrics}
}

func (s *Server) handleListFlows(w http.ResponseWriter, r *http.Request) {
	specs, err := s.store.ListFlows(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]flowView, 0, len(specs))
	for _, spec := range specs {
		views = append(views, s.projectFlow(spec))
	}
	writeOK(w, http.StatusOK, views, "ok")
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	var req flowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if err := s.validateFlowRefs(r, req.FlowSpec); err != nil {
		writeErr(w, err)
		return
	}
	spec, err := s.store.PutFlow(r.Context(), req.FlowSpec, nil)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.orch.Create(r.Context(), spec); err != nil {
		_ = s.store.DeleteFlow(r.Context(), spec.Name)
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, s.projectFlow(spec), "flow created")
}

func (s *Server) validateFlowRefs(r *http.Request, spec event.FlowSpec) error {
	if _, err := s.store.GetConnector(r.Context(), spec.ConnectorName); err != nil {
		return connector.WrapInvalid("httpapi", "create_flow", fmt.Errorf("connector %q: %v", spec.ConnectorName, err))
	}
	for _, name := range spec.DestinationNames {
		if _, err := s.store.GetDestination(r.Context(), name); err != nil {
			return connector.WrapInvalid("httpapi", "create_flow", fmt.Errorf("destination %q: %v", name, err))
		}
	}
	return nil
}

func (s *Server) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	spec, err := s.store.GetFlow(r.Context(), r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, s.projectFlow(spec), "ok")
}

func (s *Server) handleDeleteFlow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.orch.Delete(r.Context(), name); err != nil && !errors.Is(err, connector.ErrNotFound) {
		writeErr(w, err)
		return
	}
	if err := s.store.DeleteFlow(r.Context(), name); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil, "flow deleted")
}

func (s *Server) handleFlowLifecycle(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	action := r.PathValue("action")

	var op func(*orchestrator.Orchestrator, http.ResponseWriter, *http.Request, string)
	switch action {
	case "start":
		op = func(o *orchestrator.Orchestrator, w http.ResponseWriter, r *http.Request, name string) {
			lifecycleReply(w, o.Start(r.Context(), name), "flow started")
		}
	case "stop":
		op = func(o *orchestrator.Orchestrator, w http.ResponseWriter, r *http.Request, name string) {
			lifecycleReply(w, o.Stop(r.Context(), name), "flow stopped")
		}
	case "pause":
		op = func(o *orchestrator.Orchestrator, w http.ResponseWriter, r *http.Request, name string) {
			lifecycleReply(w, o.Pause(r.Context(), name), "flow paused")
		}
	case "resume":
		op = func(o *orchestrator.Orchestrator, w http.ResponseWriter, r *http.Request, name string) {
			lifecycleReply(w, o.Resume(r.Context(), name), "flow resumed")
		}
	case "restart":
		op = func(o *orchestrator.Orchestrator, w http.ResponseWriter, r *http.Request, name string) {
			lifecycleReply(w, o.Restart(r.Context(), name), "flow restarted")
		}
	default:
		writeErr(w, connector.WrapInvalid("httpapi", "flow_lifecycle", fmt.Errorf("unknown action %q", action)))
		return
	}
	op(s.orch, w, r, name)
}

func lifecycleReply(w http.ResponseWriter, err error, message string) {
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil, message)
}
