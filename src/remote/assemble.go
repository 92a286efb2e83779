package remote

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"golang.org/x/sync/errgroup"
)

// assembleResult implements C4: it turns a server ActionResult into the
// caller-facing FallibleProcessResult, fetching stdout/stderr and building
// the output directory digest concurrently since none of them depend on
// each other.
func assembleResult(ctx context.Context, store Store, result *pb.ActionResult) (*FallibleProcessResult, error) {
	out := &FallibleProcessResult{ExitCode: result.GetExitCode()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := fetchInlineOrDigest(ctx, store, result.GetStdoutRaw(), result.GetStdoutDigest())
		if err != nil {
			return newError(KindDecode, err, "fetching stdout")
		}
		out.Stdout = data
		return nil
	})
	g.Go(func() error {
		data, err := fetchInlineOrDigest(ctx, store, result.GetStderrRaw(), result.GetStderrDigest())
		if err != nil {
			return newError(KindDecode, err, "fetching stderr")
		}
		out.Stderr = data
		return nil
	})
	g.Go(func() error {
		digest, err := assembleOutputDirectory(ctx, store, result.GetOutputFiles())
		if err != nil {
			return err
		}
		out.OutputDirectory = digest
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// fetchInlineOrDigest prefers the server's inline bytes (it's allowed to
// send either or both) and only round-trips to the Store when the inline
// field is empty but a digest was supplied, mirroring the two-branch
// stdout/stderr extraction every REAPI client in this corpus implements.
// Inline bytes are stored back into the Store before being returned, so
// stdout/stderr observed by the caller are always also present locally.
func fetchInlineOrDigest(ctx context.Context, store Store, raw []byte, digest *pb.Digest) ([]byte, error) {
	if len(raw) > 0 {
		if _, err := store.StoreFileBytes(ctx, raw, true); err != nil {
			return nil, err
		}
		return raw, nil
	}
	if digest == nil || digest.GetSizeBytes() == 0 {
		return nil, nil
	}
	data, ok, err := store.LoadFileBytes(ctx, digest)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, newError(KindDecode, nil, "digest %s/%d not found in store", digest.GetHash(), digest.GetSizeBytes())
	}
	return data, nil
}

// assembleOutputDirectory implements spec step 4.4.4: every output file
// either already carries a digest or ships its content inline, in which
// case that content is stored (without forcing it to the remote CAS; the
// caller decides what, if anything, needs to be canonicalized further).
// The resulting path->digest map is then handed to the Store's tree
// builder to produce the single output directory digest.
func assembleOutputDirectory(ctx context.Context, store Store, files []*pb.OutputFile) (*pb.Digest, error) {
	stats := make([]PathStat, len(files))
	digests := make([]*pb.Digest, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		i, f := i, f
		stats[i] = PathStat{Path: f.GetPath(), Executable: f.GetIsExecutable()}
		if d := f.GetDigest(); d != nil {
			digests[i] = d
			continue
		}
		g.Go(func() error {
			d, err := store.StoreFileBytes(ctx, f.GetContents(), false)
			if err != nil {
				return newError(KindUpload, err, "storing raw content for output file %s", f.GetPath())
			}
			digests[i] = d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	pathDigests := make(map[string]*pb.Digest, len(files))
	for i, f := range files {
		pathDigests[f.GetPath()] = digests[i]
	}
	resolve := func(path string) (*pb.Digest, error) {
		d, ok := pathDigests[path]
		if !ok {
			return nil, newError(KindDecode, nil, "no digest resolved for output file %s", path)
		}
		return d, nil
	}
	digest, err := store.DigestFromPathStats(ctx, stats, resolve)
	if err != nil {
		return nil, newError(KindDecode, err, "assembling output directory")
	}
	return digest, nil
}
