package server

// Route path constants
const (
	// Integration OAuth routes
	RouteOAuthInitiate = "/api/integrations/oauth/initiate"
	RouteOAuthCallback = "/api/integrations/oauth/callback"
	RouteOAuthRefresh  = "/api/integrations/oauth/refresh"
	RouteOAuthRevoke   = "/api/integrations/oauth/revoke"
	RouteOAuthStatus   = "/api/integrations/oauth/status"

	// Agent routes
	RouteAgentStatus   = "/api/agents/status"
	RouteAgentDispatch = "/api/agents/{agent}/{path...}"

	// Probes
	RouteHealth  = "/healthz"
	RouteReady   = "/readyz"
	RouteMetrics = "/metrics"
)
