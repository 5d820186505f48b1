package server

func (s *Server) initRoutes() {
	// Integration OAuth
	s.RegisterRouteFunc("POST "+RouteOAuthInitiate, ChainMiddleware(s.InitiateHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteFunc("GET "+RouteOAuthCallback, ChainMiddleware(s.CallbackHandler(), s.APIMiddleware(s.RateLimitMiddleware(s.callbackLimiter))...))
	s.RegisterRouteFunc("POST "+RouteOAuthRefresh, ChainMiddleware(s.RefreshHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteFunc("POST "+RouteOAuthRevoke, ChainMiddleware(s.RevokeHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteFunc("GET "+RouteOAuthStatus, ChainMiddleware(s.StatusHandler(), s.APIMiddleware(s.RequireAuth())...))

	// Agents
	s.RegisterRouteFunc("GET "+RouteAgentStatus, ChainMiddleware(s.AgentStatusHandler(), s.APIMiddleware(s.RequireAuth())...))
	s.RegisterRouteFunc(RouteAgentDispatch, ChainMiddleware(s.DispatchHandler(), s.APIMiddleware(s.RequireAuth())...))

	// Probes
	s.RegisterRouteFunc("GET "+RouteHealth, ChainMiddleware(s.HealthHandler(), s.RecoverMiddleware))
	s.RegisterRouteFunc("GET "+RouteReady, ChainMiddleware(s.ReadyHandler(), s.RecoverMiddleware))
	s.RegisterRouteHandler("GET "+RouteMetrics, s.metrics.Handler())
}
