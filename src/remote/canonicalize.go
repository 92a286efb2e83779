package remote

import (
	"sort"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/types/known/durationpb"
)

func durationProto(d time.Duration) *durationpb.Duration {
	return durationpb.New(d)
}

// buildCommand turns a ProcessRequest into a Command proto. Every list the
// v2 schema asks to be sorted for determinism (environment variables,
// output paths, platform properties) is sorted here, once, so that two
// requests describing the same logical process always canonicalize to
// byte-identical Commands and therefore the same digest.
func buildCommand(req ProcessRequest) *pb.Command {
	cmd := &pb.Command{
		Arguments:         append([]string(nil), req.Argv...),
		EnvironmentVariables: buildEnv(req.Env),
		OutputPaths:       sortedOutputPaths(req.OutputFiles, req.OutputDirectories),
		OutputFiles:       sortedCopy(req.OutputFiles),
		OutputDirectories: sortedCopy(req.OutputDirectories),
		WorkingDirectory:  req.WorkingDirectory,
		Platform:          buildPlatform(req.Platform),
	}
	return cmd
}

// buildAction wraps a Command digest and the request's input root into an
// Action proto. Timeout is carried as REAPI's google.protobuf.Duration.
func buildAction(req ProcessRequest, commandDigest *pb.Digest) *pb.Action {
	action := &pb.Action{
		CommandDigest:   commandDigest,
		InputRootDigest: req.InputRootDigest,
	}
	if req.Timeout > 0 {
		action.Timeout = durationProto(req.Timeout)
	}
	return action
}

func buildEnv(env map[string]string) []*pb.Command_EnvironmentVariable {
	names := make([]string, 0, len(env))
	for k := range env {
		names = append(names, k)
	}
	sort.Strings(names) // proto requires sorted, not just consistently ordered
	vars := make([]*pb.Command_EnvironmentVariable, len(names))
	for i, name := range names {
		vars[i] = &pb.Command_EnvironmentVariable{Name: name, Value: env[name]}
	}
	return vars
}

func buildPlatform(props map[string]string) *pb.Platform {
	if len(props) == 0 {
		return nil
	}
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Strings(names)
	platform := &pb.Platform{Properties: make([]*pb.Platform_Property, len(names))}
	for i, name := range names {
		platform.Properties[i] = &pb.Platform_Property{Name: name, Value: props[name]}
	}
	return platform
}

func sortedCopy(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// sortedOutputPaths returns the lexicographically sorted union of output
// files and directories in the unified OutputPaths field newer servers
// prefer over the separate OutputFiles/OutputDirectories lists.
func sortedOutputPaths(files, dirs []string) []string {
	if len(files) == 0 && len(dirs) == 0 {
		return nil
	}
	out := make([]string, 0, len(files)+len(dirs))
	out = append(out, files...)
	out = append(out, dirs...)
	sort.Strings(out)
	return out
}
