// Package handlers contains reusable HTTP building blocks for the API server.
//
// # Health Checks
//
// Required checks gate readiness; optional ones only mark the service
// degraded:
//
//	checker := handlers.NewCompositeHealthChecker("0.1.0")
//	checker.AddCheck("database", handlers.NewPingCheck(pool))
//	checker.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
//
// # Middleware
//
// Middlewares compose with Chain, outermost first:
//
//	chain := handlers.Chain(
//	    handlers.RequestID(log),
//	    handlers.Recover,
//	    handlers.CORS([]string{"*"}),
//	    limiter.Middleware,
//	)
//
// Observe needs the matched route, so it is installed with mux.Router.Use.
package handlers
