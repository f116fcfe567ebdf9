package grpc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/logging"
	"github.com/nemanja-m/gobatch/internal/shared/wire"
)

const (
	DefaultHeartbeatIntervalSeconds = 15
)

// LedgerServer is the set of calls workers make against the job ledger.
type LedgerServer interface {
	RegisterWorker(ctx context.Context, req *wire.RegisterWorkerRequest) (*wire.RegisterWorkerResponse, error)
	Heartbeat(ctx context.Context, req *wire.HeartbeatRequest) (*struct{}, error)
	ClaimTask(ctx context.Context, req *wire.ClaimTaskRequest) (*wire.ClaimTaskResponse, error)
	GetTask(ctx context.Context, req *wire.GetTaskRequest) (*wire.GetTaskResponse, error)
	UpdateProgress(ctx context.Context, req *wire.UpdateProgressRequest) (*wire.UpdateProgressResponse, error)
	SplitProgress(ctx context.Context, req *wire.SplitProgressRequest) (*struct{}, error)
	ReportResult(ctx context.Context, req *wire.ReportResultRequest) (*struct{}, error)
}

// LedgerServiceDesc describes the gobatch.Ledger service. Every method takes
// and returns a BytesValue holding a JSON payload from the wire package.
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: wire.ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(wire.MethodRegisterWorker, LedgerServer.RegisterWorker),
		unary(wire.MethodHeartbeat, LedgerServer.Heartbeat),
		unary(wire.MethodClaimTask, LedgerServer.ClaimTask),
		unary(wire.MethodGetTask, LedgerServer.GetTask),
		unary(wire.MethodUpdateProgress, LedgerServer.UpdateProgress),
		unary(wire.MethodSplitProgress, LedgerServer.SplitProgress),
		unary(wire.MethodReportResult, LedgerServer.ReportResult),
	},
}

func RegisterLedgerServer(s grpc.ServiceRegistrar, srv LedgerServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

func unary[Req, Resp any](method string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(wrapperspb.BytesValue)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, msg any) (any, error) {
				req := new(Req)
				if err := wire.Decode(msg.(*wrapperspb.BytesValue), req); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(LedgerServer), ctx, req)
				if err != nil {
					return nil, wire.ToStatus(err)
				}
				out, err := wire.Encode(resp)
				if err != nil {
					return nil, status.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: wire.FullMethod(method)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type LedgerService struct {
	heartbeatInterval time.Duration
	workerService     core.WorkerService
	jobService        core.JobService
	logger            logging.Logger
}

func NewLedgerService(
	heartbeatInterval time.Duration,
	workerService core.WorkerService,
	jobService core.JobService,
	logger logging.Logger,
) *LedgerService {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatIntervalSeconds * time.Second
	}
	return &LedgerService{
		heartbeatInterval: heartbeatInterval,
		workerService:     workerService,
		jobService:        jobService,
		logger:            logger,
	}
}

func (s *LedgerService) RegisterWorker(
	ctx context.Context,
	req *wire.RegisterWorkerRequest,
) (*wire.RegisterWorkerResponse, error) {
	workerID, err := uuid.Parse(req.WorkerID)
	if err != nil {
		s.logger.Error("Invalid worker ID format", "worker_id", req.WorkerID, "error", err)
		return nil, status.Error(codes.InvalidArgument, "invalid worker ID format, expected UUID")
	}
	worker := &core.Worker{
		ID:      workerID,
		Address: req.Address,
		Profile: req.Profile,
	}

	s.logger.Debug("Received worker registration", "worker_id", req.WorkerID, "address", worker.Address)

	if err := s.workerService.RegisterWorker(worker); err != nil {
		s.logger.Error("Failed to register worker", "worker_id", req.WorkerID, "error", err)
		return nil, err
	}

	s.logger.Info("Worker registered successfully", "worker_id", req.WorkerID, "profile", worker.Profile)

	return &wire.RegisterWorkerResponse{
		HeartbeatIntervalSeconds: max(1, int(s.heartbeatInterval/time.Second)),
	}, nil
}

// Heartbeat records worker liveness and renews the leases of its tasks.
// An unknown worker gets NotFound and is expected to register again.
func (s *LedgerService) Heartbeat(ctx context.Context, req *wire.HeartbeatRequest) (*struct{}, error) {
	workerID, err := uuid.Parse(req.WorkerID)
	if err != nil {
		s.logger.Error("Invalid worker ID in heartbeat", "worker_id", req.WorkerID, "error", err)
		return nil, status.Error(codes.InvalidArgument, "invalid worker ID format, expected UUID")
	}

	if err := s.workerService.RecordHeartbeat(workerID); err != nil {
		s.logger.Warn("Failed to record heartbeat", "worker_id", req.WorkerID, "error", err)
		return nil, err
	}
	if err := s.jobService.RenewLeases(ctx, req.WorkerID); err != nil {
		s.logger.Error("Failed to renew task leases", "worker_id", req.WorkerID, "error", err)
		return nil, err
	}

	s.logger.Debug("Heartbeat received", "worker_id", req.WorkerID)
	return &struct{}{}, nil
}

func (s *LedgerService) ClaimTask(ctx context.Context, req *wire.ClaimTaskRequest) (*wire.ClaimTaskResponse, error) {
	task, err := s.jobService.ClaimTask(ctx, req.WorkerID, req.Profile)
	if err != nil {
		s.logger.Error("Failed to claim task", "worker_id", req.WorkerID, "error", err)
		return nil, err
	}
	return &wire.ClaimTaskResponse{Task: task}, nil
}

func (s *LedgerService) GetTask(ctx context.Context, req *wire.GetTaskRequest) (*wire.GetTaskResponse, error) {
	task, err := s.jobService.GetTask(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return &wire.GetTaskResponse{Task: task}, nil
}

func (s *LedgerService) UpdateProgress(
	ctx context.Context,
	req *wire.UpdateProgressRequest,
) (*wire.UpdateProgressResponse, error) {
	running, err := s.jobService.UpdateProgress(ctx, req.ID, req.WorkerID, req.Fraction)
	if err != nil {
		return nil, err
	}
	return &wire.UpdateProgressResponse{Running: running}, nil
}

func (s *LedgerService) SplitProgress(ctx context.Context, req *wire.SplitProgressRequest) (*struct{}, error) {
	if err := s.jobService.SplitProgress(ctx, req.ID, req.WorkerID, req.Cur, req.Future); err != nil {
		return nil, err
	}
	return &struct{}{}, nil
}

func (s *LedgerService) ReportResult(ctx context.Context, req *wire.ReportResultRequest) (*struct{}, error) {
	if err := s.jobService.ReportResult(ctx, req.ID, req.WorkerID, req.Report); err != nil {
		s.logger.Warn("Rejected task report", "task_id", req.ID, "worker_id", req.WorkerID, "error", err)
		return nil, err
	}
	return &struct{}{}, nil
}
