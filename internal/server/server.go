// Package server exposes the kit tracker over HTTP.
package server

import (
	"crypto/rand"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kit-tracker/internal/controller"
	"kit-tracker/internal/directory"
	"kit-tracker/internal/matcher"
	"kit-tracker/internal/session"
)

const sessionCookie = "kit-tracker"

// AuthReporter reports the remote directory's authentication state.
type AuthReporter interface {
	Status() directory.AuthStatus
}

type Deps struct {
	Sessions   *session.Store
	Controller *controller.Controller
	Matcher    *matcher.Matcher
	Auth       AuthReporter
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

type Options struct {
	LoginUser     string
	LoginPassword string
	SessionSecret string
	// Search defaults for the nearby endpoint.
	RadiusKm   float64
	MaxResults int
}

type Server struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	engine *gin.Engine
}

func New(deps Deps, opts Options) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{deps: deps, opts: opts, logger: logger}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	secret := []byte(s.opts.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		_, _ = rand.Read(secret)
		s.logger.Warn("KIT_SESSION_SECRET not set, login sessions will not survive a restart")
	}
	store := cookie.NewStore(secret)
	store.Options(sessions.Options{Path: "/", MaxAge: 12 * 60 * 60, HttpOnly: true, SameSite: http.SameSiteLaxMode})
	r.Use(sessions.Sessions(sessionCookie, store))

	if s.opts.LoginPassword == "" {
		s.logger.Warn("KIT_LOGIN_PASSWORD not set, API is unauthenticated")
	}

	r.POST("/login", s.login)
	r.POST("/logout", s.logout)
	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.Use(s.authRequired)
	{
		api.GET("/session", s.getSession)
		api.POST("/session/new", s.newSession)
		api.GET("/session/export", s.exportSession)
		api.GET("/kits/:id", s.getKit)

		api.POST("/scan", s.scan)
		api.GET("/flows/:id", s.getFlow)
		api.POST("/flows/:id/confirm", s.confirm)
		api.POST("/flows/:id/cancel", s.cancel)

		api.GET("/accounts/nearby", s.nearby)
		api.GET("/accounts/status", s.accountsStatus)
	}
	return r
}

func (s *Server) authRequired(c *gin.Context) {
	if s.opts.LoginPassword == "" {
		c.Next()
		return
	}
	if sessions.Default(c).Get("user") == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "login required"})
		return
	}
	c.Next()
}

type loginRequest struct {
	Username string `json:"username" form:"username" binding:"required"`
	Password string `json:"password" form:"password" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "username and password are required"})
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.opts.LoginUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.opts.LoginPassword)) == 1
	if s.opts.LoginPassword == "" || !userOK || !passOK {
		s.logger.Warn("login rejected", zap.String("username", req.Username), zap.String("client_ip", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "invalid username or password"})
		return
	}
	sess := sessions.Default(c)
	sess.Set("user", req.Username)
	if err := sess.Save(); err != nil {
		s.logger.Error("failed to save login session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "could not start session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "user": req.Username})
}

func (s *Server) logout(c *gin.Context) {
	sess := sessions.Default(c)
	sess.Clear()
	sess.Options(sessions.Options{Path: "/", MaxAge: -1})
	_ = sess.Save()
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "hydrated": s.deps.Sessions.Hydrated()})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
