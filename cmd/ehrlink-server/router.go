package main

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/ehrlink/internal/domain/clinicalsync"
	"github.com/ehr/ehrlink/internal/domain/linkage"
	"github.com/ehr/ehrlink/internal/domain/timeline"
	"github.com/ehr/ehrlink/internal/platform/audit"
	"github.com/ehr/ehrlink/internal/platform/auth"
	"github.com/ehr/ehrlink/internal/platform/db"
	"github.com/ehr/ehrlink/internal/platform/middleware"
	"github.com/ehr/ehrlink/internal/platform/telemetry"
)

func newRouter(a *app) *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(telemetry.HTTPMiddleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders:  []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders: []string{"Link", middleware.RequestIDHeader},
	}))

	e.GET("/health", db.HealthHandler(5*time.Second, a.healthChecks...))
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(5*time.Second, db.PoolCheck(a.pool)))
	}
	e.GET("/metrics", telemetry.Handler())

	// The OAuth callback arrives by browser redirect and carries no app token.
	public := e.Group("/api/v1")

	var authMW echo.MiddlewareFunc
	if cfg.ResolvedAuthMode() == "development" {
		authMW = auth.DevAuthMiddleware()
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigning),
			HTTPClient: a.fhir.HTTPClient(),
		})
	}
	api := e.Group("/api/v1", authMW)

	linkage.NewHandler(a.linkSvc).RegisterRoutes(api, public)
	timeline.NewHandler(a.timelineSvc).RegisterRoutes(api)
	audit.NewHandler(a.auditStore, a.ownsLink).RegisterRoutes(api)

	// On-demand sync fans out to remote servers.
	syncGroup := api.Group("", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: 0.2,
		BurstSize:         3,
	}))
	clinicalsync.NewHandler(a.engine).RegisterRoutes(syncGroup)

	return e
}
