// Package server is the visionchat backend: a small HTTP service that
// proxies chat requests to the configured model provider and issues
// presigned upload destinations for attachments.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/nbatchelor/visionchat/internal/attach"
	"github.com/nbatchelor/visionchat/internal/chat"
)

type Options struct {
	Logger    *slog.Logger
	Listen    string
	Provider  Provider
	Presigner Presigner

	// KeyPrefix prefixes every uploaded object key.
	KeyPrefix string
}

type Server struct {
	log       *slog.Logger
	listen    string
	provider  Provider
	presigner Presigner
	keyPrefix string

	e *echo.Echo

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Provider == nil {
		return nil, errors.New("missing Provider")
	}
	if opts.Presigner == nil {
		return nil, errors.New("missing Presigner")
	}
	listen := strings.TrimSpace(opts.Listen)
	if listen == "" {
		return nil, errors.New("missing Listen")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		log:       logger,
		listen:    listen,
		provider:  opts.Provider,
		presigner: opts.Presigner,
		keyPrefix: strings.TrimSpace(opts.KeyPrefix),
	}

	e := echo.New()
	e.POST("/api/chat", s.handleChat)
	e.POST("/api/upload", s.handleUpload)
	s.e = e
	return s, nil
}

// Handler exposes the route tree for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return nil
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.listen, err)
	}
	s.ln = ln
	srv := &http.Server{
		Handler:           s.e,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srv = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", "error", err)
		}
	}()

	s.log.Info("visionchat backend listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()
	return nil
}

// Shutdown drains in-flight requests. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type chatRequest struct {
	Input []chat.Message `json:"input"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) handleChat(c *echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if len(req.Input) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "missing input")
	}

	reply, err := s.provider.Respond(c.Request().Context(), req.Input)
	if err != nil {
		s.log.Error("chat request failed", "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{
			Error:   "Error occurred",
			Message: err.Error(),
		})
	}
	return c.JSON(http.StatusOK, reply)
}

type uploadCredsRequest struct {
	Files []attach.FileInfo `json:"files"`
}

type uploadCredsResponse struct {
	PresignedUrls []string `json:"presignedUrls"`
}

func (s *Server) handleUpload(c *echo.Context) error {
	var req uploadCredsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if len(req.Files) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "missing files")
	}

	ctx := c.Request().Context()
	urls := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		name := path.Base(strings.TrimSpace(f.Name))
		if name == "" || name == "." || name == "/" {
			return echo.NewHTTPError(http.StatusBadRequest, "missing file name")
		}
		signed, err := s.presigner.PresignPut(ctx, s.keyPrefix+name, f.Type)
		if err != nil {
			s.log.Error("presign failed", "file", name, "error", err)
			return c.JSON(http.StatusInternalServerError, errorResponse{
				Error:   "Error occurred",
				Message: err.Error(),
			})
		}
		urls = append(urls, signed)
	}
	return c.JSON(http.StatusOK, uploadCredsResponse{PresignedUrls: urls})
}
