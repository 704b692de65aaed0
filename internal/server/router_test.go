package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubPipeline struct {
	serveCalls        int
	serveHealthCalls  int
	serveExplainCalls int
	serveLinkCalls    int
	writeErrorCalled  bool
	writeErrorStatus  int
	writeErrorMessage string
}

func (s *stubPipeline) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	s.serveCalls++
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) ServeHealth(w http.ResponseWriter, _ *http.Request) {
	s.serveHealthCalls++
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) ServeExplain(w http.ResponseWriter, _ *http.Request) {
	s.serveExplainCalls++
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) ServeLink(w http.ResponseWriter, _ *http.Request) {
	s.serveLinkCalls++
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) WriteError(w http.ResponseWriter, status int, message string) {
	s.writeErrorCalled = true
	s.writeErrorStatus = status
	s.writeErrorMessage = message
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func (s *stubPipeline) reset() {
	*s = stubPipeline{}
}

func TestParseAdminRoute(t *testing.T) {
	cases := map[string]struct {
		path  string
		route string
		ok    bool
	}{
		"health alias":     {path: "/_gateway/health", route: "healthz", ok: true},
		"healthz":          {path: "/_gateway/healthz", route: "healthz", ok: true},
		"explain":          {path: "/_gateway/explain", route: "explain", ok: true},
		"trailing slash":   {path: "/_gateway/link/", route: "link", ok: true},
		"prefix only":      {path: "/_gateway", route: "", ok: true},
		"unknown route":    {path: "/_gateway/other", route: "other", ok: true},
		"segment boundary": {path: "/_gatewayx/healthz", ok: false},
		"application path": {path: "/dashboard", ok: false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			route, ok := parseAdminRoute("/_gateway", tc.path)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if ok && route != tc.route {
				t.Fatalf("expected route %q, got %q", tc.route, route)
			}
		})
	}
}

func TestNewPipelineHandlerNilPipeline(t *testing.T) {
	handler := NewPipelineHandler(nil, "", nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 when pipeline unavailable, got %d", rec.Code)
	}
}

func TestPipelineHandlerDispatchesRoutes(t *testing.T) {
	stub := &stubPipeline{}
	metricsCalls := 0
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		metricsCalls++
		w.WriteHeader(http.StatusOK)
	})
	handler := NewPipelineHandler(stub, "/_ops/", metrics)

	tests := []struct {
		name        string
		path        string
		wantStatus  int
		wantServe   int
		wantHealth  int
		wantExplain int
		wantLink    int
		wantMetrics int
	}{
		{name: "application request", path: "/event/archive", wantStatus: http.StatusOK, wantServe: 1},
		{name: "health alias", path: "/_ops/health", wantStatus: http.StatusOK, wantHealth: 1},
		{name: "explain", path: "/_ops/explain", wantStatus: http.StatusOK, wantExplain: 1},
		{name: "link", path: "/_ops/link", wantStatus: http.StatusOK, wantLink: 1},
		{name: "metrics", path: "/_ops/metrics", wantStatus: http.StatusOK, wantMetrics: 1},
		{name: "default prefix is not reserved", path: "/_gateway/healthz", wantStatus: http.StatusOK, wantServe: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stub.reset()
			metricsCalls = 0

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.path, http.NoBody)

			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected status %d, got %d", tc.wantStatus, rec.Code)
			}
			if stub.serveCalls != tc.wantServe {
				t.Fatalf("expected %d pipeline calls, got %d", tc.wantServe, stub.serveCalls)
			}
			if stub.serveHealthCalls != tc.wantHealth {
				t.Fatalf("expected %d health calls, got %d", tc.wantHealth, stub.serveHealthCalls)
			}
			if stub.serveExplainCalls != tc.wantExplain {
				t.Fatalf("expected %d explain calls, got %d", tc.wantExplain, stub.serveExplainCalls)
			}
			if stub.serveLinkCalls != tc.wantLink {
				t.Fatalf("expected %d link calls, got %d", tc.wantLink, stub.serveLinkCalls)
			}
			if metricsCalls != tc.wantMetrics {
				t.Fatalf("expected %d metrics calls, got %d", tc.wantMetrics, metricsCalls)
			}
		})
	}
}

func TestPipelineHandlerUnknownAdminRoute(t *testing.T) {
	stub := &stubPipeline{}
	handler := NewPipelineHandler(stub, "", nil)

	for _, path := range []string{"/_gateway/unsupported", "/_gateway/metrics"} {
		stub.reset()
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))

		if !stub.writeErrorCalled || stub.writeErrorStatus != http.StatusNotFound {
			t.Fatalf("%s: expected WriteError with 404, got %v %d", path, stub.writeErrorCalled, stub.writeErrorStatus)
		}
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected recorder to capture 404, got %d", path, rec.Code)
		}
		if stub.serveCalls != 0 {
			t.Fatalf("%s: admin paths must never reach the pipeline", path)
		}
	}
}
