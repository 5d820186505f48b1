package server

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/jrsteele09/go-agent-gateway/breaker"
	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/token/jwt"
	"github.com/rs/zerolog/log"
)

// Headers set on dispatched requests. Inbound values of the same name are replaced.
const (
	HeaderTenantID         = "X-Tenant-ID"
	HeaderUserID           = "X-User-ID"
	HeaderAuthIssuer       = "X-Auth-Issuer"
	HeaderIntegrationToken = "X-Integration-Access-Token"
)

type agentRoute struct {
	id          string
	target      *url.URL
	integration string
	proxy       *httputil.ReverseProxy
}

type (
	integrationTokenKey struct{}
	attemptKey          struct{}
)

// recordOutcome reports the agent's result against the breaker attempt that admitted it.
func (s *Server) recordOutcome(ctx context.Context, agentID string, ok bool) {
	attempt, found := ctx.Value(attemptKey{}).(breaker.Attempt)
	switch {
	case !found && ok:
		s.breakers.RecordSuccess(ctx, agentID)
	case !found:
		s.breakers.RecordFailure(ctx, agentID)
	case ok:
		attempt.Success(ctx)
	default:
		attempt.Failure(ctx)
	}
}

func (s *Server) newAgentRoute(id string, target *url.URL, integration string, transport http.RoundTripper) *agentRoute {
	a := &agentRoute{id: id, target: target, integration: integration}
	a.proxy = &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL.Path = "/" + pr.In.PathValue("path")
			pr.Out.URL.RawPath = ""
			pr.SetURL(target)
			pr.SetXForwarded()

			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del(HeaderIntegrationToken)
			if caller, ok := jwt.FromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(HeaderTenantID, caller.TenantID)
				pr.Out.Header.Set(HeaderUserID, caller.Subject)
				pr.Out.Header.Set(HeaderAuthIssuer, caller.Issuer)
			}
			if token, ok := pr.In.Context().Value(integrationTokenKey{}).(string); ok && token != "" {
				pr.Out.Header.Set(HeaderIntegrationToken, token)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			ctx := resp.Request.Context()
			if resp.StatusCode >= http.StatusInternalServerError {
				s.recordOutcome(ctx, id, false)
				s.metrics.ObserveAgentRequest(id, "upstream_error")
				return nil
			}
			s.recordOutcome(ctx, id, true)
			s.metrics.ObserveAgentRequest(id, "ok")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if isClientGone(r, err) {
				// The caller left; says nothing about the agent's health.
				s.metrics.ObserveAgentRequest(id, "canceled")
				return
			}
			s.recordOutcome(r.Context(), id, false)
			s.metrics.ObserveAgentRequest(id, "transport_error")
			log.Warn().Err(err).Str("agent_id", id).Msg("agent request failed")
			writeError(w, apperrors.Wrapf(apperrors.ErrUpstreamFailure, "agent %s: %v", id, err))
		},
	}
	return a
}

// DispatchHandler forwards an authenticated request to a configured agent through its
// circuit breaker.
func (s *Server) DispatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("agent")
		agent, ok := s.agents[id]
		if !ok {
			writeError(w, apperrors.Wrapf(apperrors.ErrAgentNotFound, "agent %q", id))
			return
		}

		ctx := r.Context()
		if agent.integration != "" {
			creds, err := s.flow.AccessToken(ctx, principal(r).TenantID, agent.integration)
			if err != nil {
				writeError(w, err)
				return
			}
			ctx = context.WithValue(ctx, integrationTokenKey{}, creds.AccessToken)
		}

		attempt, err := s.breakers.Admit(ctx, id)
		if err != nil {
			s.metrics.ObserveAgentRequest(id, "circuit_open")
			writeError(w, err)
			return
		}
		ctx = context.WithValue(ctx, attemptKey{}, attempt)
		agent.proxy.ServeHTTP(w, r.WithContext(ctx))
	}
}

// AgentStatusHandler lists the breaker state of every configured agent and of any agent
// with persisted state.
func (s *Server) AgentStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for id := range s.agents {
			s.breakers.Snapshot(r.Context(), id)
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": s.breakers.Snapshots(r.Context())})
	}
}
