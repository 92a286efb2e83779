// Package localcas provides a content-addressed Store (see
// github.com/please-build/rexec/src/remote) backed by a local disk cache in
// front of a remote CAS server, in the shape of a minimal standalone
// deployment of the execution client.
package localcas

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/golang/protobuf/proto"
	"github.com/google/uuid"
	bs "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/op/go-logging.v1"

	"github.com/please-build/rexec/src/fsutil"
)

func newUploadUUID() uuid.UUID {
	u, _ := uuid.NewRandom()
	return u
}

var log = logging.MustGetLogger("localcas")

// chunkSize is the size of a chunk sent over the ByteStream write/read APIs.
const chunkSize = 128 * 1024

// defaultMaxBatchSize is the default ceiling on a single BatchUpdateBlobs
// request, matching the conservative default real REAPI
// servers advertise via GetCapabilities when a client doesn't bother asking.
const defaultMaxBatchSize = 4 * 1000 * 1000

// Store is a local-disk-backed, remote-CAS-backed implementation of
// remote.Store. Blobs are kept on disk under root/cas, sharded into
// directories named by the first two hex characters of the hash, evicted by an access-time LRU once the cache exceeds
// its size budget.
type Store struct {
	root         string
	instance     string
	maxBatchSize int64
	cas          pb.ContentAddressableStorageClient
	bs           bs.ByteStreamClient
	lru          *sizedLRU
}

// Options configures a Store.
type Options struct {
	// Root is the local disk directory blobs are cached under.
	Root string
	// MaxCacheBytes bounds the local disk cache; 0 means unbounded.
	MaxCacheBytes int64
	// Instance is the REAPI instance name passed on CAS RPCs.
	Instance string
	// MaxBatchSize overrides defaultMaxBatchSize.
	MaxBatchSize int64
}

// New builds a Store. conn is the gRPC connection used to reach the CAS and
// ByteStream services; it is typically the same connection an execution
// Runner dials, since REAPI servers conventionally serve both on one port.
func New(conn *grpc.ClientConn, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(opts.Root, "cas"), fsutil.DirPermissions); err != nil {
		return nil, fmt.Errorf("creating cas root: %w", err)
	}
	maxBatch := opts.MaxBatchSize
	if maxBatch == 0 {
		maxBatch = defaultMaxBatchSize
	}
	lru, err := newSizedLRU(filepath.Join(opts.Root, "cas"), opts.MaxCacheBytes)
	if err != nil {
		return nil, err
	}
	return &Store{
		root:         opts.Root,
		instance:     opts.Instance,
		maxBatchSize: maxBatch,
		cas:          pb.NewContentAddressableStorageClient(conn),
		bs:           bs.NewByteStreamClient(conn),
		lru:          lru,
	}, nil
}

func (s *Store) pathFor(digest *pb.Digest) string {
	h := digest.GetHash()
	return filepath.Join(s.root, "cas", h[:2], h)
}

// StoreFileBytes digests data, writes it to the local cache, and (if
// canonicalize is set) ensures the remote CAS has it too before returning.
func (s *Store) StoreFileBytes(ctx context.Context, data []byte, canonicalize bool) (*pb.Digest, error) {
	digest := digestData(data)
	path := s.pathFor(digest)
	if !fsutil.FileExists(path) {
		if err := fsutil.WriteFile(bytes.NewReader(data), path, 0440); err != nil {
			return nil, fmt.Errorf("writing blob %s locally: %w", digest.Hash, err)
		}
		s.lru.add(digest.Hash, digest.SizeBytes)
	} else {
		s.lru.touch(digest.Hash)
	}
	if canonicalize {
		if err := s.EnsureRemoteHasRecursive(ctx, []*pb.Digest{digest}); err != nil {
			return nil, err
		}
	}
	return digest, nil
}

// LoadFileBytes returns a blob's contents, checking the local cache first
// and falling back to a remote ByteStream read.
func (s *Store) LoadFileBytes(ctx context.Context, digest *pb.Digest) ([]byte, bool, error) {
	if digest.GetSizeBytes() == 0 {
		return nil, true, nil
	}
	path := s.pathFor(digest)
	if data, err := os.ReadFile(path); err == nil {
		s.lru.touch(digest.Hash)
		return data, true, nil
	} else if !os.IsNotExist(err) {
		return nil, false, err
	}

	log.Debugf("blob %s/%d not in local cache, fetching from remote", digest.GetHash(), digest.GetSizeBytes())
	data, err := s.readByteStream(ctx, digest)
	if status.Code(err) == codes.NotFound {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	if err := fsutil.WriteFile(bytes.NewReader(data), path, 0440); err == nil {
		s.lru.add(digest.Hash, digest.SizeBytes)
	}
	return data, true, nil
}

// EnsureRemoteHasRecursive implements the reactive and proactive upload
// path: it filters digests through FindMissingBlobs, then uploads whatever
// the server reports absent, batching small blobs and falling back to
// chunked ByteStream writes for anything over maxBatchSize. Only the listed
// blobs themselves are checked and uploaded: a Directory digest is not
// expanded, so the files and subdirectories it references are not covered.
func (s *Store) EnsureRemoteHasRecursive(ctx context.Context, digests []*pb.Digest) error {
	missing, err := s.findMissing(ctx, digests)
	if err != nil {
		return fmt.Errorf("checking for missing blobs: %w", err)
	}
	if len(missing) == 0 {
		return nil
	}

	var batch []*pb.BatchUpdateBlobsRequest_Request
	var batchSize int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.sendBatch(ctx, batch); err != nil {
			return err
		}
		batch = nil
		batchSize = 0
		return nil
	}

	for _, d := range missing {
		data, ok, err := s.LoadFileBytes(ctx, d)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("missing digest %s/%d is not present in the local cache either", d.Hash, d.SizeBytes)
		}
		if d.SizeBytes > s.maxBatchSize {
			if err := flush(); err != nil {
				return err
			}
			if err := s.writeByteStream(ctx, d, data); err != nil {
				return err
			}
			continue
		}
		if batchSize+d.SizeBytes > s.maxBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, &pb.BatchUpdateBlobsRequest_Request{Digest: d, Data: data})
		batchSize += d.SizeBytes
	}
	return flush()
}

func (s *Store) findMissing(ctx context.Context, digests []*pb.Digest) ([]*pb.Digest, error) {
	resp, err := s.cas.FindMissingBlobs(ctx, &pb.FindMissingBlobsRequest{
		InstanceName: s.instance,
		BlobDigests:  digests,
	})
	if err != nil {
		return nil, err
	}
	return resp.GetMissingBlobDigests(), nil
}

func (s *Store) sendBatch(ctx context.Context, reqs []*pb.BatchUpdateBlobsRequest_Request) error {
	resp, err := s.cas.BatchUpdateBlobs(ctx, &pb.BatchUpdateBlobsRequest{
		InstanceName: s.instance,
		Requests:     reqs,
	})
	if err != nil {
		return err
	}
	for _, r := range resp.GetResponses() {
		if r.GetStatus().GetCode() != int32(codes.OK) {
			return fmt.Errorf("uploading blob %s: %s", r.GetDigest().GetHash(), r.GetStatus().GetMessage())
		}
	}
	return nil
}

func (s *Store) writeByteStream(ctx context.Context, digest *pb.Digest, data []byte) error {
	name := uploadResourceName(s.instance, digest)
	stream, err := s.bs.Write(ctx)
	if err != nil {
		return err
	}
	offset := 0
	for offset < len(data) {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := stream.Send(&bs.WriteRequest{
			ResourceName: name,
			WriteOffset:  int64(offset),
			Data:         data[offset:end],
		}); err != nil {
			return err
		}
		offset = end
	}
	if err := stream.Send(&bs.WriteRequest{FinishWrite: true, WriteOffset: int64(offset)}); err != nil {
		return err
	}
	_, err = stream.CloseAndRecv()
	return err
}

func (s *Store) readByteStream(ctx context.Context, digest *pb.Digest) ([]byte, error) {
	stream, err := s.bs.Read(ctx, &bs.ReadRequest{ResourceName: downloadResourceName(s.instance, digest)})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, err
		}
		buf.Write(resp.GetData())
	}
	return buf.Bytes(), nil
}

func uploadResourceName(instance string, digest *pb.Digest) string {
	name := fmt.Sprintf("uploads/%s/blobs/%s/%d", newUploadUUID(), digest.Hash, digest.SizeBytes)
	if instance != "" {
		return instance + "/" + name
	}
	return name
}

func downloadResourceName(instance string, digest *pb.Digest) string {
	name := fmt.Sprintf("blobs/%s/%d", digest.Hash, digest.SizeBytes)
	if instance != "" {
		return instance + "/" + name
	}
	return name
}

func digestData(data []byte) *pb.Digest {
	sum := sha256.Sum256(data)
	return &pb.Digest{Hash: hex.EncodeToString(sum[:]), SizeBytes: int64(len(data))}
}

// marshalDigest is a small helper the tree builder uses to digest a
// Directory proto without round-tripping through the Store.
func marshalDigest(m proto.Message) (*pb.Digest, []byte, error) {
	data, err := proto.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return digestData(data), data, nil
}
