// Package grpc applies the request rate limit to gRPC servers.
package grpc

import (
	"context"
	"log/slog"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"ratelimiter/internal/identifier"
	limiter "ratelimiter/internal/ratelimit"
)

// Metadata keys set on every limited call
const (
	MetadataLimit      = "x-ratelimit-limit"
	MetadataWindow     = "x-ratelimit-window"
	MetadataRetryAfter = "retry-after"
)

// DefaultExcludedMethods are never limited so orchestrators can always probe
var DefaultExcludedMethods = []string{
	healthpb.Health_Check_FullMethodName,
	healthpb.Health_Watch_FullMethodName,
}

// Checker decides whether a call is within its budget
type Checker interface {
	Check(ctx context.Context, identifier string) limiter.Decision
}

// Config holds interceptor configuration
type Config struct {
	// ExcludedMethods are full method names that bypass the limiter
	ExcludedMethods []string
	Logger          *slog.Logger
}

// Interceptor enforces the rate limit on unary and streaming calls
type Interceptor struct {
	checker  Checker
	excluded map[string]struct{}
	logger   *slog.Logger
}

// NewInterceptor creates a new rate limit interceptor
func NewInterceptor(checker Checker, cfg Config) *Interceptor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	excluded := make(map[string]struct{}, len(cfg.ExcludedMethods))
	for _, m := range cfg.ExcludedMethods {
		excluded[m] = struct{}{}
	}

	return &Interceptor{
		checker:  checker,
		excluded: excluded,
		logger:   logger.With("component", "ratelimit-grpc"),
	}
}

// Unary returns the unary server interceptor
func (i *Interceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if i.isExcluded(info.FullMethod) {
			return handler(ctx, req)
		}

		decision, md := i.check(ctx, info.FullMethod)
		_ = grpc.SetHeader(ctx, md)
		if !decision.Allowed {
			return nil, deniedError()
		}
		return handler(ctx, req)
	}
}

// Stream returns the stream server interceptor. A stream counts as one
// request, however many messages it carries.
func (i *Interceptor) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if i.isExcluded(info.FullMethod) {
			return handler(srv, ss)
		}

		decision, md := i.check(ss.Context(), info.FullMethod)
		_ = ss.SetHeader(md)
		if !decision.Allowed {
			return deniedError()
		}
		return handler(srv, ss)
	}
}

func (i *Interceptor) isExcluded(method string) bool {
	_, ok := i.excluded[method]
	return ok
}

func (i *Interceptor) check(ctx context.Context, method string) (limiter.Decision, metadata.MD) {
	id := clientIdentifier(ctx)
	decision := i.checker.Check(ctx, id)

	md := metadata.Pairs(
		MetadataLimit, strconv.Itoa(decision.Limit),
		MetadataWindow, strconv.Itoa(decision.WindowSeconds),
	)
	if !decision.Allowed {
		md.Set(MetadataRetryAfter, strconv.Itoa(decision.RetryAfter()))
		i.logger.Debug("call rate limited",
			"client", identifier.Mask(id),
			"method", method,
			"count", decision.Count,
			"backend", decision.Backend)
	}
	return decision, md
}

func clientIdentifier(ctx context.Context) string {
	md, _ := metadata.FromIncomingContext(ctx)

	var addr string
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr = p.Addr.String()
	}
	return identifier.FromMetadata(md, addr)
}

func deniedError() error {
	return status.Error(codes.ResourceExhausted, "rate limit exceeded")
}
