package remote

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // registers the gzip compressor at init
)

// resettable is a lazily-initialized value that can be explicitly
// invalidated and recomputed. It generalizes sync.Once (used for the
// original single-shot client init) with a reset() the Once type has no way
// to express.
type resettable[T any] struct {
	mu    sync.Mutex
	build func() (T, error)
	done  bool
	value T
	err   error
}

func newResettable[T any](build func() (T, error)) *resettable[T] {
	return &resettable[T]{build: build}
}

// get returns the cached value, building it on first call. A build error is
// cached too and re-returned until the next reset(), matching the
// connection handle's documented "sticky until reset" contract.
func (r *resettable[T]) get() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.done {
		r.value, r.err = r.build()
		r.done = true
	}
	return r.value, r.err
}

// reset discards the cached value so the next get() rebuilds it.
func (r *resettable[T]) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	r.value = zero
	r.err = nil
	r.done = false
}

// connection holds the three lazy, jointly-resettable cells C6 specifies:
// the gRPC channel and the two stub clients built on top of it. Resetting
// the channel resets both clients, since a client built over a dead channel
// is itself dead.
type connection struct {
	cfg     Config
	channel *resettable[*grpc.ClientConn]
	exec    *resettable[pb.ExecutionClient]
	ops     *resettable[longrunning.OperationsClient]
}

func newConnection(cfg Config) *connection {
	c := &connection{cfg: cfg}
	c.channel = newResettable(c.dial)
	c.exec = newResettable(func() (pb.ExecutionClient, error) {
		conn, err := c.channel.get()
		if err != nil {
			return nil, err
		}
		return pb.NewExecutionClient(conn), nil
	})
	c.ops = newResettable(func() (longrunning.OperationsClient, error) {
		conn, err := c.channel.get()
		if err != nil {
			return nil, err
		}
		return longrunning.NewOperationsClient(conn), nil
	})
	return c
}

func (c *connection) executionClient() (pb.ExecutionClient, error) { return c.exec.get() }
func (c *connection) operationsClient() (longrunning.OperationsClient, error) { return c.ops.get() }

// reset tears down the cached channel and clients; the next use redials.
// Called by Runner.Reset; Run itself never resets the connection.
func (c *connection) reset() {
	if conn, err := c.channel.get(); err == nil {
		conn.Close()
	}
	c.channel.reset()
	c.exec.reset()
	c.ops.reset()
}

func (c *connection) dial() (*grpc.ClientConn, error) {
	target := c.cfg.Address
	target = strings.TrimPrefix(target, "grpc://")
	target = strings.TrimPrefix(target, "grpcs://")

	creds := insecure.NewCredentials()
	if c.cfg.Secure {
		creds = credentials.NewTLS(nil)
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(newStatsHandler()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(419430400)),
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(
			grpc_retry.WithMax(uint(c.cfg.maxRetries())),
		)),
	}
	if c.cfg.TokenFile != "" {
		tok, err := os.ReadFile(c.cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("reading token file: %w", err)
		}
		opts = append(opts, grpc.WithPerRPCCredentials(bearerToken(strings.TrimSpace(string(tok)))))
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.dialTimeout())
	defer cancel()
	return grpc.DialContext(ctx, target, opts...)
}

// bearerToken implements credentials.PerRPCCredentials with a static token,
// the same shape as a pre-shared-token credential provider.
type bearerToken string

func (t bearerToken) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + string(t)}, nil
}

func (t bearerToken) RequireTransportSecurity() bool { return false }
