package remote

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/proto"
)

// uploadAction implements C2: it canonicalizes the request into a Command,
// stores it, builds the Action referencing the Command's digest, and
// stores that too. The Action digest is what Execute is called with.
func uploadAction(ctx context.Context, store Store, req ProcessRequest) (*pb.Digest, *pb.Action, error) {
	cmd := buildCommand(req)
	cmdBytes, err := proto.Marshal(cmd)
	if err != nil {
		return nil, nil, newError(KindCanonicalization, err, "marshalling command")
	}
	cmdDigest, err := store.StoreFileBytes(ctx, cmdBytes, true)
	if err != nil {
		return nil, nil, newError(KindUpload, err, "storing command")
	}

	action := buildAction(req, cmdDigest)
	actionBytes, err := proto.Marshal(action)
	if err != nil {
		return nil, nil, newError(KindCanonicalization, err, "marshalling action")
	}
	actionDigest, err := store.StoreFileBytes(ctx, actionBytes, true)
	if err != nil {
		return nil, nil, newError(KindUpload, err, "storing action")
	}
	return actionDigest, action, nil
}

// uploadMissingDigests re-ensures the remote CAS has the blobs a
// FAILED_PRECONDITION response named as missing. It's the reactive
// counterpart to the proactive upload done before Execute is first called.
func uploadMissingDigests(ctx context.Context, store Store, digests []*pb.Digest) error {
	if len(digests) == 0 {
		return nil
	}
	if err := store.EnsureRemoteHasRecursive(ctx, digests); err != nil {
		return newError(KindUpload, err, "uploading %d missing digest(s)", len(digests))
	}
	return nil
}
