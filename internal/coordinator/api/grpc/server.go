package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/config"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
)

// Server exposes the ledger to remote workers.
type Server struct {
	addr   string
	server *grpc.Server
	logger logging.Logger
}

func NewServer(
	cfg config.GRPCConfig,
	workers core.WorkerService,
	jobs core.JobService,
	logger logging.Logger,
) *Server {
	server := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             cfg.KeepaliveMinTime,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(logger),
			loggingInterceptor(logger),
		),
	)
	RegisterLedgerServer(server, NewLedgerService(cfg.HeartbeatInterval, workers, jobs, logger))
	if cfg.EnableReflection {
		reflection.Register(server)
	}

	return &Server{addr: cfg.Addr, server: server, logger: logger}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve accepts worker connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop waits for in-flight ledger calls to finish.
func (s *Server) Stop() {
	s.server.GracefulStop()
}

// loggingInterceptor logs every ledger call. Ledger errors a worker is
// expected to handle are logged at debug level.
func loggingInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		args := []any{
			"method", info.FullMethod,
			"code", code.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch code {
		case codes.OK, codes.NotFound, codes.FailedPrecondition, codes.Aborted:
			logger.Debug("gRPC request", args...)
		default:
			logger.Warn("gRPC request failed", append(args, "error", err)...)
		}
		return resp, err
	}
}

func recoveryInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("Panic recovered", "method", info.FullMethod, "error", p)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
