package httpapi

import (
	"net/http"
	"testing"
)

func seedConnectorAndDestinationHTTP(t *testing.T, h http.Handler) {
	t.Helper()
	rec := doRequest(t, h, http.MethodPost, "/api/connectors", map[string]any{"name": "c1", "kind": "stub", "config": map[string]any{}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed connector: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, h, http.MethodPost, "/api/destinations", map[string]any{"name": "d1", "kind": "stub", "config": map[string]any{}})
	if rec.Code != http.StatusCreated {
		t.Fatalf("seed destination: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCreateFlowAndLifecycle(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	seedConnectorAndDestinationHTTP(t, h)

	rec := doRequest(t, h, http.MethodPost, "/api/flows", map[string]any{
		"name":              "f1",
		"connector_name":    "c1",
		"destination_names": []string{"d1"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPut, "/api/flows/f1/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected start to succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPut, "/api/flows/f1/pause", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pause to succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPut, "/api/flows/f1/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected resume to succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPut, "/api/flows/f1/stop", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected stop to succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodDelete, "/api/flows/f1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected delete to succeed, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/api/flows/f1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestHandleCreateFlowRejectsUnknownConnectorReference(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/flows", map[string]any{
		"name":           "f1",
		"connector_name": "ghost",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a flow referencing a nonexistent connector, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleFlowLifecycleUnknownActionRejected(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	seedConnectorAndDestinationHTTP(t, h)

	doRequest(t, h, http.MethodPost, "/api/flows", map[string]any{
		"name":              "f1",
		"connector_name":    "c1",
		"destination_names": []string{"d1"},
	})

	rec := doRequest(t, h, http.MethodPut, "/api/flows/f1/jump", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown lifecycle action, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleListFlowsProjectsLiveStatus(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	seedConnectorAndDestinationHTTP(t, h)

	doRequest(t, h, http.MethodPost, "/api/flows", map[string]any{
		"name":              "f1",
		"connector_name":    "c1",
		"destination_names": []string{"d1"},
	})

	rec := doRequest(t, h, http.MethodGet, "/api/flows", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
