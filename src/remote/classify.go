package remote

import (
	"strconv"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/proto"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
)

const preconditionFailureTypeURL = "type.googleapis.com/google.rpc.PreconditionFailure"

// classification is the outcome of inspecting one Operation: either it's
// not done yet, or it's done with either a usable ExecuteResponse or an
// error (which may itself be a reactive MissingDigests signal).
type classification struct {
	done     bool
	response *pb.ExecuteResponse
	err      error
}

// classifyOperation implements C3: it never blocks and never retries by
// itself, it only reports what the Operation means.
func classifyOperation(op *longrunning.Operation) classification {
	if !op.GetDone() {
		return classification{done: false}
	}
	if opErr := op.GetError(); opErr != nil {
		return classification{done: true, err: classifyStatus(opErr)}
	}
	any := op.GetResponse()
	if any == nil {
		return classification{done: true, err: newError(KindDecode, nil, "operation finished but no response was supplied")}
	}
	resp := &pb.ExecuteResponse{}
	if err := proto.Unmarshal(any.GetValue(), resp); err != nil {
		return classification{done: true, err: newError(KindDecode, err, "invalid ExecuteResponse")}
	}
	if status := resp.GetStatus(); status != nil && status.Code != int32(codes.OK) {
		return classification{done: true, err: classifyStatus(status)}
	}
	return classification{done: true, response: resp}
}

// classifyStatus turns a google.rpc.Status into an *ExecutionError. For a
// FAILED_PRECONDITION carrying exactly one PreconditionFailure detail whose
// violations are all type MISSING, the error is populated with the missing
// digests so the driver can upload them and retry. A FAILED_PRECONDITION
// whose details can't be interpreted (more than one detail, another detail
// type, a non-MISSING violation or a malformed subject) yields a KindDecode
// *Error instead.
func classifyStatus(status *rpcstatus.Status) error {
	if codes.Code(status.Code) != codes.FailedPrecondition || len(status.GetDetails()) == 0 {
		return &ExecutionError{Code: status.Code, Message: status.Message}
	}
	digests, err := missingDigestsFromStatus(status)
	if err != nil {
		return err
	}
	if len(digests) == 0 {
		return &ExecutionError{Code: status.Code, Message: status.Message}
	}
	return &ExecutionError{Code: status.Code, Message: status.Message, MissingDigests: digests}
}

func missingDigestsFromStatus(status *rpcstatus.Status) ([]*pb.Digest, error) {
	details := status.GetDetails()
	if len(details) != 1 {
		return nil, newError(KindDecode, nil, "expected exactly one detail in FAILED_PRECONDITION status, got %d", len(details))
	}
	detail := details[0]
	if detail.GetTypeUrl() != preconditionFailureTypeURL {
		return nil, newError(KindDecode, nil, "received FAILED_PRECONDITION but don't know how to resolve detail type %s", detail.GetTypeUrl())
	}
	failure := &errdetails.PreconditionFailure{}
	if err := proto.Unmarshal(detail.GetValue(), failure); err != nil {
		return nil, newError(KindDecode, err, "deserializing PreconditionFailure")
	}

	digests := make([]*pb.Digest, 0, len(failure.GetViolations()))
	for _, violation := range failure.GetViolations() {
		if violation.GetType() != "MISSING" {
			return nil, newError(KindDecode, nil, "don't know how to process PreconditionFailure violation of type %s", violation.GetType())
		}
		digest, err := parseBlobSubject(violation.GetSubject())
		if err != nil {
			return nil, err
		}
		digests = append(digests, digest)
	}
	return digests, nil
}

// parseBlobSubject parses a PreconditionFailure violation subject of the
// form "blobs/<hex>/<size>" into a Digest.
func parseBlobSubject(subject string) (*pb.Digest, error) {
	parts := strings.Split(subject, "/")
	if len(parts) != 3 || parts[0] != "blobs" {
		return nil, newError(KindDecode, nil, "received FAILED_PRECONDITION MISSING but didn't recognize subject %q", subject)
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, newError(KindDecode, err, "missing blob %s had bad size %q", parts[1], parts[2])
	}
	if len(parts[1]) != 64 {
		return nil, newError(KindDecode, nil, "bad digest in missing blob: %s", parts[1])
	}
	return &pb.Digest{Hash: parts[1], SizeBytes: size}, nil
}
