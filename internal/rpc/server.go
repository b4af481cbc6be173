// Package rpc exposes the request gate to gRPC services.
package rpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"bookplace.org/internal/auth"
	"bookplace.org/internal/gate"
)

const authorizationKey = "authorization"

// Methods under these prefixes skip the gate.
var publicPrefixes = []string{
	"/grpc.health.v1.Health/",
}

// UnaryGate authenticates every non-public call from the authorization
// metadata. Calls without a credential proceed anonymously, mirroring HTTP.
func UnaryGate(g *gate.Gate, logger *slog.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isPublic(info.FullMethod) {
			return handler(ctx, req)
		}
		token, err := tokenFromMetadata(ctx)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		ctx, err = g.Authenticate(ctx, token)
		if err != nil {
			if gate.IsUnauthenticated(err) {
				return nil, status.Error(codes.Unauthenticated, "Token is not active")
			}
			logger.ErrorContext(ctx, "gate failure", "method", info.FullMethod, "err", err)
			return nil, status.Error(codes.Internal, "authentication error")
		}
		resp, err := handler(ctx, req)
		return resp, ToStatus(err)
	}
}

// ToStatus converts domain errors returned by handlers into gRPC statuses.
// Errors that already carry a status pass through.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrRevoked),
		errors.Is(err, auth.ErrUnknownUser),
		errors.Is(err, auth.ErrNoValidTokens):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, auth.ErrDenied):
		return status.Error(codes.PermissionDenied, "forbidden")
	case errors.Is(err, auth.ErrDuplicateAccount), errors.Is(err, auth.ErrAlreadyHasRole):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, "internal error")
}

// NewServer builds a gRPC server with the gate installed and the standard
// health service registered. Callers register their own services on it.
func NewServer(g *gate.Gate, logger *slog.Logger, opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryGate(g, logger)))
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// GracefulStop flips every health status to NOT_SERVING so balancers stop
// routing here, then drains in-flight calls.
func GracefulStop(srv *grpc.Server, hs *health.Server) {
	if hs != nil {
		hs.Shutdown()
	}
	srv.GracefulStop()
}

func tokenFromMetadata(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", nil
	}
	values := md.Get(authorizationKey)
	if len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return "", nil
	}
	v := strings.TrimSpace(values[0])
	const prefix = "bearer "
	if len(v) < len(prefix) || !strings.EqualFold(v[:len(prefix)], prefix) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(v[len(prefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublic(method string) bool {
	for _, p := range publicPrefixes {
		if strings.HasPrefix(method, p) {
			return true
		}
	}
	return false
}
