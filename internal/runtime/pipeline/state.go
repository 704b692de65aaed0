package pipeline

import (
	"context"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/ia-rk/hostgate/internal/session"
	"github.com/ia-rk/hostgate/internal/site"
)

// Agent represents a runtime component that collaborates on processing an
// incoming request. Each agent observes and mutates the shared State before
// returning its Result snapshot.
type Agent interface {
	Name() string
	Execute(context.Context, *http.Request, *State) Result
}

// Result captures the outcome emitted by an agent during pipeline execution.
type Result struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Details string         `json:"details,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// StatusSkipped is reported by agents that run after a short-circuit.
const StatusSkipped = "skipped"

// RequestState preserves the inbound request snapshot for logging and explain output.
type RequestState struct {
	Method        string `json:"method"`
	Host          string `json:"host"`
	Path          string `json:"path"`
	RawQuery      string `json:"rawQuery,omitempty"`
	ClientAddress string `json:"clientAddress,omitempty"`
}

// ThrottleState records the budget check for the request.
type ThrottleState struct {
	Checked   bool      `json:"checked"`
	Class     string    `json:"class,omitempty"`
	Key       string    `json:"key,omitempty"`
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit,omitempty"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// RoutingState carries the host classification and the routing verdict.
type RoutingState struct {
	Site         site.Identity `json:"-"`
	SiteName     string        `json:"site"`
	BaseHost     string        `json:"baseHost"`
	Guarded      bool          `json:"guarded"`
	Decision     site.Decision `json:"-"`
	Kind         string        `json:"decision"`
	Reason       string        `json:"reason,omitempty"`
	InternalPath string        `json:"internalPath,omitempty"`
	Location     string        `json:"location,omitempty"`
}

// SessionState records the refreshed identity for the request.
type SessionState struct {
	Checked       bool               `json:"checked"`
	Authenticated bool               `json:"authenticated"`
	UserID        string             `json:"userId,omitempty"`
	Role          string             `json:"role,omitempty"`
	Error         string             `json:"error,omitempty"`
	Principal     *session.Principal `json:"-"`
	Cookies       []*http.Cookie     `json:"-"`
}

// ForwardState holds the headers the upstream proxy sets on the outbound request.
type ForwardState struct {
	Headers map[string]string `json:"headers"`
}

// ResponseState is the response the gateway answers with directly. A zero
// Status means the request continues to the upstream.
type ResponseState struct {
	Status  int               `json:"status"`
	Message string            `json:"message,omitempty"`
	Headers map[string]string `json:"headers"`
}

// State is the shared context threaded through every agent in the pipeline.
type State struct {
	CorrelationID string `json:"correlationId"`

	Request  RequestState  `json:"request"`
	Throttle ThrottleState `json:"throttle"`
	Routing  RoutingState  `json:"routing"`
	Session  SessionState  `json:"session"`
	Forward  ForwardState  `json:"forward"`
	Response ResponseState `json:"response"`

	Trace []Result `json:"trace,omitempty"`
}

// Record appends an agent outcome to the request trace.
func (s *State) Record(result Result) {
	s.Trace = append(s.Trace, result)
}

// TraceSummary renders the trace as name=status pairs in execution order.
func (s *State) TraceSummary() string {
	parts := make([]string, 0, len(s.Trace))
	for _, r := range s.Trace {
		parts = append(parts, r.Name+"="+r.Status)
	}
	return strings.Join(parts, ",")
}

// NewState captures the inbound request metadata and initializes the shared
// state for a pipeline evaluation.
// The request path is cleaned so every agent sees the path the upstream
// would resolve.
func NewState(r *http.Request, correlationID string) *State {
	p := CleanPath(r.URL.Path)
	return &State{
		CorrelationID: correlationID,
		Request: RequestState{
			Method:   r.Method,
			Host:     r.Host,
			Path:     p,
			RawQuery: r.URL.RawQuery,
		},
		Routing: RoutingState{
			Kind:         site.PassThrough.String(),
			InternalPath: p,
		},
		Forward: ForwardState{
			Headers: make(map[string]string),
		},
		Response: ResponseState{
			Headers: make(map[string]string),
		},
	}
}

// CleanPath resolves dot segments and repeated slashes in p. A trailing slash
// is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if p[0] != '/' {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned != "/" && strings.HasSuffix(p, "/") {
		cleaned += "/"
	}
	return cleaned
}

// Decide records d as the routing verdict.
func (s *State) Decide(d site.Decision) {
	s.Routing.Decision = d
	s.Routing.Kind = d.Kind.String()
	s.Routing.Reason = d.Reason
	s.Routing.InternalPath = d.InternalPath(s.Request.Path)
}

// ShortCircuited reports whether the request has already been answered by a
// redirect, a deny or a direct response, so later agents must not run.
func (s *State) ShortCircuited() bool {
	if s == nil {
		return true
	}
	if s.Response.Status != 0 {
		return true
	}
	switch s.Routing.Decision.Kind {
	case site.Redirect, site.Deny:
		return true
	}
	return false
}

// Respond answers the request directly with status and message.
func (s *State) Respond(status int, message string) {
	s.Response.Status = status
	s.Response.Message = message
	if s.Response.Headers == nil {
		s.Response.Headers = make(map[string]string)
	}
}

// Skipped is the result an agent returns when the request was already decided.
func Skipped(name string) Result {
	return Result{Name: name, Status: StatusSkipped}
}
