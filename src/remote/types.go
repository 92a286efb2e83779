// Package remote implements a client for the Bazel Remote Execution API v2:
// submitting actions, polling their Operation to completion with the
// server's backoff/timeout contract, and assembling the resulting stdout,
// stderr and output tree from a content-addressable store.
package remote

import (
	"context"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// Config configures a Runner. It plays the same role that
// state.Config.Remote played for the original client, but is standalone
// rather than threaded through a whole-program build state.
type Config struct {
	// Address is the execution server's dial target, e.g. "grpc://localhost:8980".
	Address string
	// Instance is the REAPI instance name; may be empty.
	Instance string
	// Secure selects TLS transport credentials over insecure ones.
	Secure bool
	// TokenFile, if set, is read once and sent as a per-RPC bearer token.
	TokenFile string
	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration
	// RequestTimeout is a per-RPC timeout setting (defaulting to two
	// minutes). Runner does not apply it: no Execute or GetOperation call
	// sets a deadline from it.
	RequestTimeout time.Duration
	// MaxRetries bounds transient RPC-level retries (not Operation polling).
	MaxRetries int
	// MaxConcurrentExecutions caps in-flight Run calls; 0 means unlimited.
	MaxConcurrentExecutions int
	// Platform holds platform properties. Runner does not read it: the
	// platform of a submitted Command comes from ProcessRequest.Platform only.
	Platform map[string]string
	// MetricsGatewayURL, if set, is where Runner counters get pushed after
	// each Run call that retries or times out.
	MetricsGatewayURL string
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return 5 * time.Second
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout > 0 {
		return c.RequestTimeout
	}
	return 2 * time.Minute
}

func (c Config) maxRetries() int {
	if c.MaxRetries > 0 {
		return c.MaxRetries
	}
	return 3
}

// PathStat describes one entry that will appear in an Action's output tree,
// mirroring the minimal information a Store needs to compute or look up a
// digest for it: its tree-relative path, whether it's a directory, and (for
// files) its executable bit.
type PathStat struct {
	Path       string
	IsDir      bool
	Executable bool
}

// ProcessRequest is the caller-facing description of a single process to
// run remotely. It is deliberately independent of the wire Command/Action
// messages; the canonicalizer (C1) turns it into those.
type ProcessRequest struct {
	Argv        []string
	Env         map[string]string
	InputRootDigest *pb.Digest
	OutputFiles       []string
	OutputDirectories []string
	WorkingDirectory  string
	Timeout           time.Duration
	Platform          map[string]string
	// Description identifies this request in error messages only; it plays
	// no part in canonicalization or the Action/Command digest.
	Description string
}

// ExecutionError captures a non-OK gRPC status carried by a finished
// Operation, either in its error field or in its ExecuteResponse's status,
// together with any PreconditionFailure violations it carried. Failures of
// the Execute/GetOperation RPCs themselves are returned as KindRPC *Error.
type ExecutionError struct {
	Code    int32
	Message string
	// MissingDigests lists blobs the server reported as absent from CAS,
	// parsed out of a FAILED_PRECONDITION status's PreconditionFailure detail.
	MissingDigests []*pb.Digest
}

func (e *ExecutionError) Error() string {
	return formatStatusError(e.Code, e.Message)
}

// IsMissingDigests reports whether this error is a reactive
// FAILED_PRECONDITION/MISSING response the driver should retry after
// uploading the named blobs.
func (e *ExecutionError) IsMissingDigests() bool {
	return len(e.MissingDigests) > 0
}

// FallibleProcessResult is the outcome of a completed remote execution: it
// always carries an exit code even when the process itself failed,
// distinguishing that from a transport/protocol failure
// which is instead returned as a Go error from Run.
type FallibleProcessResult struct {
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
	// OutputDirectory is the digest of the single Directory tree assembled
	// from the ActionResult's output files, as produced by the Store's
	// DigestFromPathStats (see C4 in assemble.go).
	OutputDirectory *pb.Digest
}

// Store is the content-addressable collaborator the driver and output
// assembler read from and write to. Its implementation (local disk, remote
// CAS, or some mix) is out of scope for this package; localcas provides one
// concrete realization.
type Store interface {
	// StoreFileBytes digests data and, if canonicalize is true, ensures it's
	// present in the CAS the remote server will read from before returning.
	StoreFileBytes(ctx context.Context, data []byte, canonicalize bool) (*pb.Digest, error)
	// LoadFileBytes returns the blob's contents. The second return is false
	// if the blob is not present in any backing store this Store knows about.
	LoadFileBytes(ctx context.Context, digest *pb.Digest) ([]byte, bool, error)
	// EnsureRemoteHasRecursive uploads any of the given digests (and, for
	// directory digests, their transitive contents) not already present in
	// the remote CAS.
	EnsureRemoteHasRecursive(ctx context.Context, digests []*pb.Digest) error
	// DigestFromPathStats computes the digest of the Directory tree rooted
	// at the given stats, resolving each leaf's content digest via resolve.
	DigestFromPathStats(ctx context.Context, stats []PathStat, resolve func(path string) (*pb.Digest, error)) (*pb.Digest, error)
}

// LoadFileBytesWith loads a blob and applies mapper to it, returning
// (zero, false, nil) if the blob is absent. Go interface methods can't be
// generic, so this is layered on Store.LoadFileBytes rather than being a
// method itself.
func LoadFileBytesWith[T any](ctx context.Context, s Store, digest *pb.Digest, mapper func([]byte) (T, error)) (T, bool, error) {
	var zero T
	data, ok, err := s.LoadFileBytes(ctx, digest)
	if err != nil || !ok {
		return zero, ok, err
	}
	v, err := mapper(data)
	if err != nil {
		return zero, false, err
	}
	return v, true, nil
}
