package grpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nemanja-m/gobatch/internal/coordinator/core"
	"github.com/nemanja-m/gobatch/internal/shared/wire"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, args ...any) {}
func (m *mockLogger) Info(msg string, args ...any)  {}
func (m *mockLogger) Warn(msg string, args ...any)  {}
func (m *mockLogger) Error(msg string, args ...any) {}
func (m *mockLogger) Fatal(msg string, args ...any) {}

type mockWorkerService struct {
	core.WorkerService
	registered []*core.Worker
	heartbeats []uuid.UUID
}

func (m *mockWorkerService) RegisterWorker(worker *core.Worker) error {
	m.registered = append(m.registered, worker)
	return nil
}

func (m *mockWorkerService) RecordHeartbeat(workerID uuid.UUID) error {
	m.heartbeats = append(m.heartbeats, workerID)
	return nil
}

type mockJobService struct {
	core.JobService
	renewed []string
	claim   *core.TaskInfo
}

func (m *mockJobService) RenewLeases(ctx context.Context, workerID string) error {
	m.renewed = append(m.renewed, workerID)
	return nil
}

func (m *mockJobService) ClaimTask(ctx context.Context, workerID, profile string) (*core.TaskInfo, error) {
	return m.claim, nil
}

func (m *mockJobService) ReportResult(ctx context.Context, id, workerID string, report core.Report) error {
	return core.ErrLeaseLost
}

func dialService(t *testing.T, workers core.WorkerService, jobs core.JobService) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterLedgerServer(srv, NewLedgerService(2*time.Second, workers, jobs, &mockLogger{}))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *grpc.ClientConn, method string, req, resp any) error {
	t.Helper()
	in, err := wire.Encode(req)
	require.NoError(t, err)
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(context.Background(), wire.FullMethod(method), in, out); err != nil {
		return err
	}
	if resp != nil {
		require.NoError(t, wire.Decode(out, resp))
	}
	return nil
}

func TestLedgerService_RegisterWorker(t *testing.T) {
	workers := &mockWorkerService{}
	conn := dialService(t, workers, &mockJobService{})
	workerID := uuid.New()

	var resp wire.RegisterWorkerResponse
	err := call(t, conn, wire.MethodRegisterWorker, wire.RegisterWorkerRequest{
		WorkerID: workerID.String(),
		Address:  "10.0.0.7:7000",
		Profile:  "gpu",
	}, &resp)
	require.NoError(t, err)
	require.Equal(t, 2, resp.HeartbeatIntervalSeconds)

	require.Len(t, workers.registered, 1)
	require.Equal(t, workerID, workers.registered[0].ID)
	require.Equal(t, "gpu", workers.registered[0].Profile)

	err = call(t, conn, wire.MethodRegisterWorker, wire.RegisterWorkerRequest{WorkerID: "not-a-uuid"}, nil)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestLedgerService_HeartbeatRenewsLeases(t *testing.T) {
	workers := &mockWorkerService{}
	jobs := &mockJobService{}
	conn := dialService(t, workers, jobs)
	workerID := uuid.New()

	require.NoError(t, call(t, conn, wire.MethodHeartbeat, wire.HeartbeatRequest{WorkerID: workerID.String()}, nil))
	require.Equal(t, []uuid.UUID{workerID}, workers.heartbeats)
	require.Equal(t, []string{workerID.String()}, jobs.renewed)
}

func TestLedgerService_ClaimTask(t *testing.T) {
	jobs := &mockJobService{claim: &core.TaskInfo{ID: "alice-1", State: core.TaskStateRunning, Task: []byte(`{}`)}}
	conn := dialService(t, &mockWorkerService{}, jobs)

	var resp wire.ClaimTaskResponse
	require.NoError(t, call(t, conn, wire.MethodClaimTask, wire.ClaimTaskRequest{WorkerID: "w1"}, &resp))
	require.NotNil(t, resp.Task)
	require.Equal(t, "alice-1", resp.Task.ID)
	require.Equal(t, []byte(`{}`), resp.Task.Task)
}

func TestLedgerService_ErrorsBecomeStatusCodes(t *testing.T) {
	conn := dialService(t, &mockWorkerService{}, &mockJobService{})

	err := call(t, conn, wire.MethodReportResult, wire.ReportResultRequest{ID: "alice-1", WorkerID: "w1"}, nil)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	out := new(wrapperspb.BytesValue)
	err = conn.Invoke(context.Background(), wire.FullMethod(wire.MethodClaimTask), wrapperspb.Bytes([]byte("{broken")), out)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	err = conn.Invoke(context.Background(), "/"+wire.ServiceName+"/Unknown", wrapperspb.Bytes(nil), out)
	require.Equal(t, codes.Unimplemented, status.Code(err))
}
