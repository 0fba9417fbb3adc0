// Package api serves the inbound surfaces of the orchestrator: GitHub and
// Slack webhooks, the job API, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/roomote-orchestrator/internal/authtoken"
	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/intake"
	"github.com/hochfrequenz/roomote-orchestrator/internal/notify"
)

// JobStore is the read side of job persistence.
type JobStore interface {
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	FindJobs(ctx context.Context, f domain.JobFilter) ([]*domain.Job, error)
	FindIssueFixJob(ctx context.Context, repo string, issue int) (*domain.Job, error)
}

// Intake creates and enqueues jobs.
type Intake interface {
	CreateAndEnqueueJob(ctx context.Context, jobType domain.JobType, payload json.RawMessage, orgID string) (*intake.Created, error)
}

// TokenValidator checks bearer tokens.
type TokenValidator interface {
	Validate(token, tokenType string) (*authtoken.Claims, error)
}

// Config configures the Server.
type Config struct {
	Addr               string
	GitHubSecret       string
	SlackSigningSecret string
	// Mention is the text that triggers a comment job, e.g. "@roomote".
	Mention      string
	BotLogin     string
	IgnoredUsers []string
	// TriggerLabel turns labelled issues into fix jobs. Empty means every
	// opened issue.
	TriggerLabel string
}

// Deps are the collaborators of the Server.
type Deps struct {
	Jobs     JobStore
	Intake   Intake
	Tokens   TokenValidator
	Notifier *notify.Notifier
	Logger   *slog.Logger
}

// Server is the HTTP ingress.
type Server struct {
	cfg      Config
	echo     *echo.Echo
	jobs     JobStore
	intake   Intake
	tokens   TokenValidator
	notifier *notify.Notifier
	mentions MentionFilter
	log      *slog.Logger
}

// NewServer creates the server and registers its routes.
func NewServer(cfg Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewNotifier(nil)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = NewAppValidator()
	e.HTTPErrorHandler = HTTPErrorHandler

	s := &Server{
		cfg:      cfg,
		echo:     e,
		jobs:     deps.Jobs,
		intake:   deps.Intake,
		tokens:   deps.Tokens,
		notifier: notifier,
		mentions: MentionFilter{Mention: cfg.Mention, BotLogin: cfg.BotLogin, Disallowed: cfg.IgnoredUsers},
		log:      log.With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	e := s.echo
	e.Use(middleware.RequestID())
	e.Use(middleware.Recover())
	e.Use(RequestLogger(s.log))

	e.GET("/healthz", func(c echo.Context) error {
		return JSON(c, http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	hooks := e.Group("/webhooks")
	hooks.POST("/github", s.githubWebhook)
	hooks.POST("/slack", s.slackEvents)

	jobs := e.Group("/api/jobs", JWTAuth(s.tokens))
	jobs.POST("", s.createJob)
	jobs.GET("", s.listJobs)
	jobs.GET("/:id", s.getJob)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.log.Info("server starting", "addr", s.cfg.Addr)
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.echo,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if err := s.echo.StartServer(srv); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
