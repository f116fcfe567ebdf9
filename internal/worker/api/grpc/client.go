package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"

	ledger "github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/config"
	"github.com/nemanja-m/gobatch/internal/shared/wire"
)

type LedgerClient struct {
	conn *grpc.ClientConn

	workerID        uuid.UUID
	coordinatorAddr string
}

func NewLedgerClient(
	coordinatorAddr string,
	cfg config.WorkerGRPCConfig,
	workerID uuid.UUID,
	opts ...grpc.DialOption,
) (*LedgerClient, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                cfg.KeepaliveTime,
				Timeout:             cfg.KeepaliveTimeout,
				PermitWithoutStream: true,
			},
		),
	}, opts...)
	conn, err := grpc.NewClient(coordinatorAddr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator: %w", err)
	}

	return &LedgerClient{
		conn:            conn,
		workerID:        workerID,
		coordinatorAddr: coordinatorAddr,
	}, nil
}

func (c *LedgerClient) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := wire.Encode(req)
	if err != nil {
		return err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, wire.FullMethod(method), in, out); err != nil {
		return fmt.Errorf("%s: %w", method, wire.FromStatus(err))
	}
	if resp == nil {
		return nil
	}
	return wire.Decode(out, resp)
}

func (c *LedgerClient) RegisterWorker(ctx context.Context, addr, profile string) (time.Duration, error) {
	req := &wire.RegisterWorkerRequest{
		WorkerID: c.workerID.String(),
		Address:  addr,
		Profile:  profile,
	}
	var resp wire.RegisterWorkerResponse
	if err := c.invoke(ctx, wire.MethodRegisterWorker, req, &resp); err != nil {
		return 0, fmt.Errorf("failed to register worker: %w", err)
	}
	return time.Duration(resp.HeartbeatIntervalSeconds) * time.Second, nil
}

func (c *LedgerClient) SendHeartbeat(ctx context.Context) error {
	return c.invoke(ctx, wire.MethodHeartbeat, &wire.HeartbeatRequest{WorkerID: c.workerID.String()}, nil)
}

func (c *LedgerClient) ClaimTask(ctx context.Context, profile string) (*ledger.TaskInfo, error) {
	req := &wire.ClaimTaskRequest{WorkerID: c.workerID.String(), Profile: profile}
	var resp wire.ClaimTaskResponse
	if err := c.invoke(ctx, wire.MethodClaimTask, req, &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

func (c *LedgerClient) GetTask(ctx context.Context, id string) (*ledger.TaskInfo, error) {
	var resp wire.GetTaskResponse
	if err := c.invoke(ctx, wire.MethodGetTask, &wire.GetTaskRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	if resp.Task == nil {
		return nil, fmt.Errorf("task %s: %w", id, ledger.ErrNotFound)
	}
	return resp.Task, nil
}

func (c *LedgerClient) UpdateProgress(ctx context.Context, id string, fraction float64) (bool, error) {
	req := &wire.UpdateProgressRequest{ID: id, WorkerID: c.workerID.String(), Fraction: fraction}
	var resp wire.UpdateProgressResponse
	if err := c.invoke(ctx, wire.MethodUpdateProgress, req, &resp); err != nil {
		return false, err
	}
	return resp.Running, nil
}

func (c *LedgerClient) SplitProgress(ctx context.Context, id string, cur, future float64) error {
	req := &wire.SplitProgressRequest{ID: id, WorkerID: c.workerID.String(), Cur: cur, Future: future}
	return c.invoke(ctx, wire.MethodSplitProgress, req, nil)
}

func (c *LedgerClient) ReportResult(ctx context.Context, id string, report ledger.Report) error {
	req := &wire.ReportResultRequest{ID: id, WorkerID: c.workerID.String(), Report: report}
	return c.invoke(ctx, wire.MethodReportResult, req, nil)
}

func (c *LedgerClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
