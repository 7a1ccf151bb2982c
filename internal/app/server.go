package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"

	"ratelimiter/internal/config"
	"ratelimiter/internal/ratelimit"
	"ratelimiter/internal/telemetry"
)

// Server runs the HTTP listener and, when enabled, the gRPC listener
type Server struct {
	config       *config.Config
	handler      http.Handler
	httpServer   *http.Server
	grpcServer   *grpc.Server
	grpcHealth   *grpchealth.Server
	limiter      *ratelimit.Limiter
	telemetry    *telemetry.Telemetry
	registration metric.Registration
	logger       *slog.Logger

	mu       sync.Mutex
	httpLn   net.Listener
	grpcLn   net.Listener
	stopOnce sync.Once
	stopErr  error
}

func newHTTPServer(addr string, handler http.Handler, cfg config.Server) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.IdleTimeout) * time.Second,
	}
}

// Handler returns the HTTP handler chain
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Limiter returns the rate limiter facade
func (s *Server) Limiter() *ratelimit.Limiter {
	return s.limiter
}

// Listen binds the listeners. After it returns the addresses are known.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	s.httpLn = ln

	if s.grpcServer != nil {
		addr := net.JoinHostPort(s.config.Server.Host, strconv.Itoa(s.config.GRPC.Port))
		gln, err := net.Listen("tcp", addr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		s.grpcLn = gln
	}
	return nil
}

// HTTPAddr returns the bound HTTP address, or nil before Listen
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// GRPCAddr returns the bound gRPC address, or nil when gRPC is disabled
func (s *Server) GRPCAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpcLn == nil {
		return nil
	}
	return s.grpcLn.Addr()
}

// Run listens if needed and serves until ctx is canceled or a listener
// fails, then shuts everything down gracefully
func (s *Server) Run(ctx context.Context) error {
	if s.HTTPAddr() == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", "addr", s.httpLn.Addr().String())
		if err := s.httpServer.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if s.grpcServer != nil {
		g.Go(func() error {
			s.logger.Info("Starting gRPC server", "addr", s.grpcLn.Addr().String())
			if err := s.grpcServer.Serve(s.grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		timeout := time.Duration(s.config.Server.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.Stop(stopCtx)
	})

	return g.Wait()
}

// Stop drains the listeners and releases the limiter. It is safe to call
// more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		var errs []error

		if s.grpcHealth != nil {
			s.grpcHealth.Shutdown()
		}
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping HTTP server: %w", err))
		}
		if s.grpcServer != nil {
			s.stopGRPC(ctx)
		}

		if s.registration != nil {
			if err := s.registration.Unregister(); err != nil {
				errs = append(errs, fmt.Errorf("unregistering limiter instruments: %w", err))
			}
		}
		if err := s.limiter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing limiter: %w", err))
		}
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping telemetry: %w", err))
		}

		s.stopErr = errors.Join(errs...)
		if s.stopErr == nil {
			s.logger.Info("Rate limiter stopped")
		}
	})
	return s.stopErr
}

// stopGRPC waits for in-flight calls until ctx expires, then cuts them off
func (s *Server) stopGRPC(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
		<-done
	}
}
