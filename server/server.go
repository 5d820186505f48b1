package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/jrsteele09/go-agent-gateway/breaker"
	"github.com/jrsteele09/go-agent-gateway/internal/config"
	"github.com/jrsteele09/go-agent-gateway/metrics"
	"github.com/jrsteele09/go-agent-gateway/oauthflow"
	"github.com/jrsteele09/go-agent-gateway/token/jwt"
	"github.com/rs/zerolog/log"
)

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Deps are the components the HTTP surface is built on.
type Deps struct {
	Flow     *oauthflow.Controller
	Auth     *jwt.Gateway
	Breakers *breaker.Manager
	Metrics  *metrics.Metrics
	// Ready checks back /readyz, keyed by the name reported on failure.
	Ready map[string]ReadyCheck
	// Transport carries dispatched agent requests. http.DefaultTransport when nil.
	Transport http.RoundTripper
}

type Server struct {
	env     string
	mux     *http.ServeMux
	handler http.HandlerFunc
	routes  []string
	config  config.Config

	flow     *oauthflow.Controller
	auth     *jwt.Gateway
	breakers *breaker.Manager
	metrics  *metrics.Metrics
	ready    map[string]ReadyCheck

	agents          map[string]*agentRoute
	callbackLimiter *RateLimiter
}

func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Flow == nil || deps.Auth == nil || deps.Breakers == nil {
		return nil, fmt.Errorf("[Server New] flow controller, jwt gateway and breaker manager are required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Transport == nil {
		deps.Transport = http.DefaultTransport
	}

	s := &Server{
		env:             cfg.GetEnv(),
		mux:             http.NewServeMux(),
		config:          cfg,
		flow:            deps.Flow,
		auth:            deps.Auth,
		breakers:        deps.Breakers,
		metrics:         deps.Metrics,
		ready:           deps.Ready,
		agents:          make(map[string]*agentRoute),
		callbackLimiter: NewRateLimiter(cfg.GetCallbackRatePerMinute()),
	}

	for id, spec := range cfg.GetAgents() {
		target, err := url.Parse(spec.URL)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("[Server New] agent %q has an invalid url %q", id, spec.URL)
		}
		s.agents[id] = s.newAgentRoute(id, target, spec.Integration, deps.Transport)
	}

	s.initRoutes()
	s.handler = ChainMiddleware(s.mux.ServeHTTP, s.CorsMiddleware)
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("ANY", parts[0])
		}
	}
	agents := make([]string, 0, len(s.agents))
	for id, a := range s.agents {
		agents = append(agents, id+" -> "+a.target.String())
	}
	sort.Strings(agents)
	for _, a := range agents {
		log.Debug().Msg("agent " + a)
	}
}

func logRoute(method, path string) {
	color, ok := methodColors[method]
	if !ok {
		color = Gray
	}
	log.Debug().Msgf("[%s %-7s%s] %s", color, method, ResetColor, path)
}
