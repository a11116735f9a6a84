// Package control is the daemon's local control API and the client the CLI
// uses to talk to it. The API listens on a loopback address and every
// request must carry the token from the data directory.
package control

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tools.zach/dev/xblbeacon/internal/discord"
	"tools.zach/dev/xblbeacon/internal/insignia"
	"tools.zach/dev/xblbeacon/internal/presence"
	"tools.zach/dev/xblbeacon/internal/store"
)

// ///////////////////////////////////////////////
// Collaborators
// ///////////////////////////////////////////////

// Engine is the subset of the presence engine the API drives.
type Engine interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	LoginDaemon(ctx context.Context) (*discord.Identity, error)
	LogoutDaemon(ctx context.Context) error
	Login(ctx context.Context, email, password string) (insignia.Session, error)
	Logout(ctx context.Context) error
	RegisterSession(ctx context.Context, sessionKey string) (bool, int)
	GetPlayTime(ctx context.Context) (insignia.PlayTime, error)
	Snapshot(ctx context.Context) (presence.Snapshot, error)
}

// Settings is the store the API reads preferences and cached values from.
type Settings interface {
	Get(key string, dst any) (bool, error)
	Set(key string, v any) error
}

// ///////////////////////////////////////////////
// Wire Types
// ///////////////////////////////////////////////

// State is the body of GET /v1/state.
type State struct {
	presence.Snapshot
	AutoStart            bool   `json:"autoStart"`
	TotalPlayTimeMinutes int    `json:"totalPlayTimeMinutes"`
	Version              string `json:"version,omitempty"`
}

// LoginRequest is the body of POST /v1/insignia/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful Insignia login.
type LoginResponse struct {
	Success  bool   `json:"success"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// DiscordLoginResponse is returned by a successful Discord login.
type DiscordLoginResponse struct {
	Success bool              `json:"success"`
	User    *discord.Identity `json:"user"`
}

// RegisterRequest is the body of POST /v1/session/register. An empty key
// registers the stored session.
type RegisterRequest struct {
	SessionKey string `json:"sessionKey"`
}

// RegisterResponse mirrors the remote registration outcome.
type RegisterResponse struct {
	Success bool `json:"success"`
	Status  int  `json:"status"`
}

// AutoStartRequest is the body of PUT /v1/autostart.
type AutoStartRequest struct {
	Enabled bool `json:"enabled"`
}

type errorBody struct {
	Error string `json:"error"`
}

// ///////////////////////////////////////////////
// Server
// ///////////////////////////////////////////////

// Options configures a Server.
type Options struct {
	Engine   Engine
	Settings Settings
	Hub      *Hub
	Token    string
	// Version is reported in /v1/state.
	Version string
	// RequestTimeout bounds each handler. Discord login needs a few seconds.
	RequestTimeout time.Duration
	// Shutdown, when set, is called after answering POST /v1/shutdown.
	Shutdown func()
}

// Server is the control API.
type Server struct {
	opts   Options
	router *gin.Engine
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{opts: opts}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	api := r.Group("/v1", s.authMiddleware())
	api.GET("/state", s.handleState)
	api.POST("/start", s.handleStart)
	api.POST("/stop", s.handleStop)
	api.POST("/discord/login", s.handleDiscordLogin)
	api.POST("/discord/logout", s.handleDiscordLogout)
	api.POST("/insignia/login", s.handleLogin)
	api.POST("/insignia/logout", s.handleLogout)
	api.POST("/session/register", s.handleRegister)
	api.GET("/play-time", s.handlePlayTime)
	api.GET("/autostart", s.handleGetAutoStart)
	api.PUT("/autostart", s.handleSetAutoStart)
	api.GET("/events", opts.Hub.serveWS)
	api.POST("/shutdown", s.handleShutdown)

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.opts.Hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ///////////////////////////////////////////////
// Middleware
// ///////////////////////////////////////////////

// authMiddleware accepts "Authorization: Bearer <token>" or, for browsers
// opening the event stream, a token query parameter.
func (s *Server) authMiddleware() gin.HandlerFunc {
	want := []byte(s.opts.Token)
	return func(c *gin.Context) {
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if got == "" {
			got = c.Query("token")
		}
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing token"})
			return
		}
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "invalid token"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("control request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) requestCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.opts.RequestTimeout)
}

// ///////////////////////////////////////////////
// Handlers
// ///////////////////////////////////////////////

func (s *Server) handleState(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()

	snap, err := s.opts.Engine.Snapshot(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	st := State{Snapshot: snap, Version: s.opts.Version}
	if s.opts.Settings != nil {
		_, _ = s.opts.Settings.Get(store.KeyAutoStart, &st.AutoStart)
		_, _ = s.opts.Settings.Get(store.KeyTotalPlayTimeMinutes, &st.TotalPlayTimeMinutes)
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStart(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	if err := s.opts.Engine.Start(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleStop(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	if err := s.opts.Engine.Stop(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDiscordLogin(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	user, err := s.opts.Engine.LoginDaemon(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, DiscordLoginResponse{Success: true, User: user})
}

func (s *Server) handleDiscordLogout(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	if err := s.opts.Engine.LogoutDaemon(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Email == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, errorBody{Error: "email and password are required"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), insignia.LoginTimeout)
	defer cancel()

	sess, err := s.opts.Engine.Login(ctx, req.Email, req.Password)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Success: true, Username: sess.Username, Email: sess.Email})
}

func (s *Server) handleLogout(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	if err := s.opts.Engine.Logout(ctx); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
			return
		}
	}
	if req.SessionKey == "" && s.opts.Settings != nil {
		_, _ = s.opts.Settings.Get(store.KeyInsigniaSession, &req.SessionKey)
	}
	if req.SessionKey == "" {
		writeError(c, presence.ErrNoCredentials)
		return
	}

	ctx, cancel := s.requestCtx(c)
	defer cancel()
	ok, status := s.opts.Engine.RegisterSession(ctx, req.SessionKey)
	c.JSON(http.StatusOK, RegisterResponse{Success: ok, Status: status})
}

func (s *Server) handlePlayTime(c *gin.Context) {
	ctx, cancel := s.requestCtx(c)
	defer cancel()
	pt, err := s.opts.Engine.GetPlayTime(ctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pt)
}

func (s *Server) handleGetAutoStart(c *gin.Context) {
	var enabled bool
	if s.opts.Settings != nil {
		_, _ = s.opts.Settings.Get(store.KeyAutoStart, &enabled)
	}
	c.JSON(http.StatusOK, AutoStartRequest{Enabled: enabled})
}

func (s *Server) handleSetAutoStart(c *gin.Context) {
	var req AutoStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if s.opts.Settings == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: "settings unavailable"})
		return
	}
	if err := s.opts.Settings.Set(store.KeyAutoStart, req.Enabled); err != nil {
		slog.Warn("saving autostart preference failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, req)
}

func (s *Server) handleShutdown(c *gin.Context) {
	if s.opts.Shutdown == nil {
		c.JSON(http.StatusNotImplemented, errorBody{Error: "shutdown not supported"})
		return
	}
	slog.Info("shutdown requested over control API")
	c.JSON(http.StatusAccepted, gin.H{"success": true})
	go s.opts.Shutdown()
}

// msgDiscordNotRunning is the answer shown to users when Discord cannot be
// reached.
const msgDiscordNotRunning = "Discord is not running. Please start Discord and try again."

// writeError maps engine errors to HTTP statuses.
func writeError(c *gin.Context, err error) {
	if errors.Is(err, presence.ErrDaemonNotRunning) {
		c.JSON(http.StatusServiceUnavailable, errorBody{Error: msgDiscordNotRunning})
		return
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, discord.ErrIPCNotAvailable),
		errors.Is(err, presence.ErrEngineStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, presence.ErrSuperseded):
		status = http.StatusConflict
	case errors.Is(err, presence.ErrNoCredentials):
		status = http.StatusPreconditionFailed
	case errors.Is(err, insignia.ErrLoginRejected):
		status = http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = 499
	}
	c.JSON(status, errorBody{Error: err.Error()})
}
