package remote

import (
	"context"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/longrunning"
)

const (
	backoffIncrMillis = 500
	backoffMaxMillis  = 5000
)

// Runner is the public entry point: one Runner talks to one execution
// server and CAS, and Run may be called concurrently from multiple
// goroutines up to Config.MaxConcurrentExecutions.
type Runner struct {
	cfg     Config
	conn    *connection
	store   Store
	sem     chan struct{}
	metrics *runnerMetrics
}

// New constructs a Runner. The connection is not dialed until the first
// Run call needs it, per the lazy connection-handle contract of C6.
func New(cfg Config, store Store) *Runner {
	r := &Runner{cfg: cfg, conn: newConnection(cfg), store: store, metrics: newRunnerMetrics()}
	if cfg.MaxConcurrentExecutions > 0 {
		r.sem = make(chan struct{}, cfg.MaxConcurrentExecutions)
	}
	return r
}

// Reset discards the cached connection, forcing the next Run to redial.
func (r *Runner) Reset() {
	r.metrics.connectionResetCounter.Inc()
	r.metrics.push(r.cfg.MetricsGatewayURL)
	r.conn.reset()
}

// Run drives req through canonicalize -> upload -> submit -> poll loop ->
// assemble, implementing C5 end to end. ctx governs the whole call; the
// per-request deadline enforced by the backoff loop is req.Timeout,
// measured independently from ctx's own deadline.
func (r *Runner) Run(ctx context.Context, req ProcessRequest) (*FallibleProcessResult, error) {
	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	actionDigest, _, err := uploadAction(ctx, r.store, req)
	if err != nil {
		return nil, err
	}
	log.Debugf("submitting action %s/%d", actionDigest.GetHash(), actionDigest.GetSizeBytes())

	execClient, err := r.conn.executionClient()
	if err != nil {
		return nil, newError(KindRPC, err, "connecting execution client")
	}
	opsClient, err := r.conn.operationsClient()
	if err != nil {
		return nil, newError(KindRPC, err, "connecting operations client")
	}

	op, err := execute(ctx, execClient, r.executeRequest(actionDigest))
	if err != nil {
		return nil, err
	}
	tStart := now()

	i := 0
	for {
		cl := classifyOperation(op)
		if cl.done {
			if cl.err != nil {
				if ee, ok := cl.err.(*ExecutionError); ok && ee.IsMissingDigests() {
					log.Debugf("server reported %d missing digest(s), uploading and resubmitting", len(ee.MissingDigests))
					r.metrics.missingDigestsCounter.Inc()
					r.metrics.push(r.cfg.MetricsGatewayURL)
					if err := uploadMissingDigests(ctx, r.store, ee.MissingDigests); err != nil {
						return nil, err
					}
					op, err = execute(ctx, execClient, r.executeRequest(actionDigest))
					if err != nil {
						return nil, err
					}
					i = 0
					continue
				}
				return nil, newError(KindRemoteStatus, cl.err, "execution failed")
			}
			return assembleResult(ctx, r.store, cl.response.GetResult())
		}

		backoff := time.Duration(min(backoffMaxMillis, (1+i)*backoffIncrMillis)) * time.Millisecond
		if elapsed := now().Sub(tStart); elapsed > req.Timeout && req.Timeout > 0 {
			r.metrics.timeoutCounter.Inc()
			r.metrics.push(r.cfg.MetricsGatewayURL)
			return nil, newError(KindTimeout, nil, "Exceeded time out of %s with %s for operation %s, %s", req.Timeout, elapsed, op.GetName(), req.Description)
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		op, err = getOperation(ctx, opsClient, op.GetName())
		if err != nil {
			return nil, newError(KindRPC, err, "polling operation %s", op.GetName())
		}
		i++
	}
}

func (r *Runner) executeRequest(actionDigest *pb.Digest) *pb.ExecuteRequest {
	return &pb.ExecuteRequest{
		InstanceName: r.cfg.Instance,
		ActionDigest: actionDigest,
	}
}

// execute calls Execute and reads the first message off the response
// stream as the initial Operation value; subsequent progress is observed
// exclusively through GetOperation, per the submit/poll split this client
// implements.
func execute(ctx context.Context, client pb.ExecutionClient, req *pb.ExecuteRequest) (*longrunning.Operation, error) {
	stream, err := client.Execute(ctx, req)
	if err != nil {
		return nil, newError(KindRPC, err, "calling Execute")
	}
	op, err := stream.Recv()
	if err != nil {
		return nil, newError(KindRPC, err, "reading initial Execute response")
	}
	return op, nil
}

func getOperation(ctx context.Context, client longrunning.OperationsClient, name string) (*longrunning.Operation, error) {
	return client.GetOperation(ctx, &longrunning.GetOperationRequest{Name: name})
}

var now = time.Now
