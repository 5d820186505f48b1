package server

import (
	"net/http"

	apperrors "github.com/jrsteele09/go-agent-gateway/internal/errors"
	"github.com/jrsteele09/go-agent-gateway/oauthflow"
)

type initiateRequest struct {
	Provider        string   `json:"provider"`
	IntegrationName string   `json:"integration_name"`
	Scopes          []string `json:"scopes,omitempty"`
}

// integrationRequest is the body of refresh and revoke.
type integrationRequest struct {
	IntegrationName string `json:"integration_name"`
	Provider        string `json:"provider"`
}

// InitiateHandler starts an authorization-code flow for the caller's tenant.
func (s *Server) InitiateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body initiateRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
		res, err := s.flow.Initiate(r.Context(), oauthflow.InitiateRequest{
			Provider:    body.Provider,
			Integration: body.IntegrationName,
			TenantID:    principal(r).TenantID,
			Scopes:      body.Scopes,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// CallbackHandler is the provider redirect target. It always answers with a redirect.
func (s *Server) CallbackHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		target := s.flow.Callback(r.Context(), oauthflow.CallbackRequest{
			Code:             q.Get("code"),
			State:            q.Get("state"),
			Error:            q.Get("error"),
			ErrorDescription: q.Get("error_description"),
		})
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, target, http.StatusFound)
	}
}

func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := principal(r).TenantID
		body, err := s.integrationRequest(r, tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		res, err := s.flow.Refresh(r.Context(), tenantID, body.IntegrationName)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) RevokeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := principal(r).TenantID
		body, err := s.integrationRequest(r, tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.flow.Revoke(r.Context(), tenantID, body.IntegrationName); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
	}
}

// StatusHandler reports stored token metadata. Token values are never returned.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		integration := r.URL.Query().Get("integration_name")
		if integration == "" {
			writeError(w, apperrors.Wrapf(apperrors.ErrMissingField, "integration_name"))
			return
		}
		status, err := s.flow.Status(r.Context(), principal(r).TenantID, integration)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// integrationRequest decodes a refresh or revoke body. A provider that does not match the
// stored record is treated as no record at all.
func (s *Server) integrationRequest(r *http.Request, tenantID string) (*integrationRequest, error) {
	var body integrationRequest
	if err := decodeJSON(r, &body); err != nil {
		return nil, err
	}
	if body.IntegrationName == "" || body.Provider == "" {
		return nil, apperrors.Wrapf(apperrors.ErrMissingField, "integration_name and provider are required")
	}
	status, err := s.flow.Status(r.Context(), tenantID, body.IntegrationName)
	if err != nil {
		return nil, err
	}
	if status.Provider != body.Provider {
		return nil, apperrors.Wrapf(apperrors.ErrNotFound, "%s is connected to %s, not %s", body.IntegrationName, status.Provider, body.Provider)
	}
	return &body, nil
}
