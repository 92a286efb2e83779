package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sort"
	"sync"
	"testing"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
)

// fakeStore is the in-memory Store used by driver tests; it doesn't need
// any of localcas's disk/remote-CAS machinery since these tests only
// exercise the submit/poll/retry state machine.
type fakeStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{blobs: map[string][]byte{}} }

func (s *fakeStore) StoreFileBytes(ctx context.Context, data []byte, canonicalize bool) (*pb.Digest, error) {
	d := digestData(data)
	s.mu.Lock()
	s.blobs[d.Hash] = data
	s.mu.Unlock()
	return d, nil
}

func (s *fakeStore) LoadFileBytes(ctx context.Context, digest *pb.Digest) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[digest.GetHash()]
	return data, ok, nil
}

func (s *fakeStore) EnsureRemoteHasRecursive(ctx context.Context, digests []*pb.Digest) error {
	return nil
}

// DigestFromPathStats builds a deterministic digest over the sorted
// path/digest pairs so tests can assert on the assembled tree without
// pulling in localcas's real Merkle-tree builder.
func (s *fakeStore) DigestFromPathStats(ctx context.Context, stats []PathStat, resolve func(string) (*pb.Digest, error)) (*pb.Digest, error) {
	sorted := append([]PathStat(nil), stats...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	var buf bytes.Buffer
	for _, st := range sorted {
		buf.WriteString(st.Path)
		buf.WriteByte(0)
		if !st.IsDir {
			d, err := resolve(st.Path)
			if err != nil {
				return nil, err
			}
			buf.WriteString(d.GetHash())
		}
		buf.WriteByte(0)
	}
	return digestData(buf.Bytes()), nil
}

// digestData computes the same SHA-256 hex plus length digest as localcas's
// digestData, duplicated here so these tests don't import localcas.
func digestData(data []byte) *pb.Digest {
	sum := sha256.Sum256(data)
	return &pb.Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(data))}
}

// fakeExecServer drives a scripted sequence of Operation messages: the
// first Send from Execute, then one GetOperation response per poll.
type fakeExecServer struct {
	mu      sync.Mutex
	script  []*longrunning.Operation
	polled  []time.Time
	missing []*pb.Digest // digests to report missing on the *first* Execute call only
	calls   int
}

func (s *fakeExecServer) Execute(req *pb.ExecuteRequest, stream pb.Execution_ExecuteServer) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	missing := s.missing
	s.mu.Unlock()

	if first && len(missing) > 0 {
		failure := &errdetails.PreconditionFailure{}
		for _, d := range missing {
			failure.Violations = append(failure.Violations, &errdetails.PreconditionFailure_Violation{
				Type:    "MISSING",
				Subject: "blobs/" + d.Hash + "/" + itoa(d.SizeBytes),
			})
		}
		any, _ := anypb.New(failure)
		respAny, _ := anypb.New(&pb.ExecuteResponse{
			Status: &rpcstatus.Status{Code: int32(codes.FailedPrecondition), Details: []*anypb.Any{any}},
		})
		return stream.Send(&longrunning.Operation{
			Name: "op-missing",
			Done: true,
			Result: &longrunning.Operation_Response{Response: respAny},
		})
	}
	return stream.Send(s.script[0])
}

func (s *fakeExecServer) GetOperation(ctx context.Context, req *longrunning.GetOperationRequest) (*longrunning.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polled = append(s.polled, time.Now())
	idx := len(s.polled)
	if idx >= len(s.script) {
		return s.script[len(s.script)-1], nil
	}
	return s.script[idx], nil
}

func (s *fakeExecServer) WaitExecution(req *pb.WaitExecutionRequest, stream pb.Execution_WaitExecutionServer) error {
	return status.Errorf(codes.Unimplemented, "not used by these tests")
}

func (s *fakeExecServer) ListOperations(ctx context.Context, req *longrunning.ListOperationsRequest) (*longrunning.ListOperationsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "not used by these tests")
}

func (s *fakeExecServer) DeleteOperation(ctx context.Context, req *longrunning.DeleteOperationRequest) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "not used by these tests")
}

func (s *fakeExecServer) CancelOperation(ctx context.Context, req *longrunning.CancelOperationRequest) (*emptypb.Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "not used by these tests")
}

func (s *fakeExecServer) WaitOperation(ctx context.Context, req *longrunning.WaitOperationRequest) (*longrunning.Operation, error) {
	return nil, status.Errorf(codes.Unimplemented, "not used by these tests")
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func startFakeServer(t *testing.T, srv *fakeExecServer) (addr string, stop func()) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := grpc.NewServer()
	pb.RegisterExecutionServer(s, srv)
	longrunning.RegisterOperationsServer(s, srv)
	go s.Serve(lis)
	return lis.Addr().String(), s.Stop
}

func doneOp(name string, result *pb.ActionResult) *longrunning.Operation {
	any, _ := anypb.New(&pb.ExecuteResponse{Result: result})
	return &longrunning.Operation{Name: name, Done: true, Result: &longrunning.Operation_Response{Response: any}}
}

func notDoneOp(name string) *longrunning.Operation {
	return &longrunning.Operation{Name: name, Done: false}
}

func TestRunSuccessfulFirstPoll(t *testing.T) {
	srv := &fakeExecServer{script: []*longrunning.Operation{
		doneOp("geoff", &pb.ActionResult{ExitCode: 0, StdoutRaw: []byte("foo")}),
	}}
	addr, stop := startFakeServer(t, srv)
	defer stop()

	store := newFakeStore()
	r := New(Config{Address: addr, RequestTimeout: time.Second}, store)
	result, err := r.Run(context.Background(), ProcessRequest{Argv: []string{"foo"}, Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, int32(0), result.ExitCode)
	assert.Equal(t, []byte("foo"), result.Stdout)
}

func TestRunOnePollThenSuccess(t *testing.T) {
	srv := &fakeExecServer{script: []*longrunning.Operation{
		notDoneOp("gimme-foo"),
		doneOp("gimme-foo", &pb.ActionResult{ExitCode: 0, StdoutRaw: []byte("foo")}),
	}}
	addr, stop := startFakeServer(t, srv)
	defer stop()

	store := newFakeStore()
	r := New(Config{Address: addr, RequestTimeout: time.Second}, store)
	start := time.Now()
	result, err := r.Run(context.Background(), ProcessRequest{Argv: []string{"foo"}, Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), result.Stdout)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestRunFourPollsThenSuccess(t *testing.T) {
	srv := &fakeExecServer{script: []*longrunning.Operation{
		notDoneOp("op"),
		notDoneOp("op"),
		notDoneOp("op"),
		notDoneOp("op"),
		doneOp("op", &pb.ActionResult{ExitCode: 0}),
	}}
	addr, stop := startFakeServer(t, srv)
	defer stop()

	store := newFakeStore()
	r := New(Config{Address: addr, RequestTimeout: time.Second}, store)
	start := time.Now()
	result, err := r.Run(context.Background(), ProcessRequest{Timeout: 30 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, int32(0), result.ExitCode)
	// Gaps are 500, 1000, 1500, 2000ms between the five Execute/GetOperation arrivals.
	assert.GreaterOrEqual(t, time.Since(start), (500+1000+1500+2000)*time.Millisecond)
}

func TestRunTimesOutAfterSufficientlyDelayedPolls(t *testing.T) {
	srv := &fakeExecServer{script: []*longrunning.Operation{
		notDoneOp("op"), notDoneOp("op"), notDoneOp("op"), notDoneOp("op"), notDoneOp("op"),
	}}
	addr, stop := startFakeServer(t, srv)
	defer stop()

	store := newFakeStore()
	r := New(Config{Address: addr, RequestTimeout: time.Second}, store)
	_, err := r.Run(context.Background(), ProcessRequest{Timeout: 700 * time.Millisecond, Description: "echo-a-foo"})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindTimeout, rerr.Kind)
	assert.Contains(t, rerr.Error(), "Exceeded time out")
	assert.Contains(t, rerr.Error(), "echo-a-foo")
}

func TestRunRetriesOnMissingDigests(t *testing.T) {
	missing := &pb.Digest{Hash: "ababababababababababababababababababababababababababababababab01"[:64], SizeBytes: 4}
	srv := &fakeExecServer{
		missing: []*pb.Digest{missing},
		script: []*longrunning.Operation{
			doneOp("op", &pb.ActionResult{ExitCode: 0, StdoutRaw: []byte("ok")}),
		},
	}
	addr, stop := startFakeServer(t, srv)
	defer stop()

	store := newFakeStore()
	r := New(Config{Address: addr, RequestTimeout: time.Second}, store)
	result, err := r.Run(context.Background(), ProcessRequest{Timeout: 10 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result.Stdout)
	assert.Equal(t, 2, srv.calls) // first call reports missing, second succeeds
}
