package localcas

import (
	"context"
	"path"
	"sort"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/please-build/rexec/src/remote"
)

// dirBuilder assembles a tree of Directory protos from a flat list of
// PathStats, the way a REAPI output tree has to be built: Directory
// messages don't exist for a path until something underneath it does, and
// every level's Files/Directories must come out lexicographically sorted
// for the digest to be deterministic.
type dirBuilder struct {
	root *pb.Directory
	dirs map[string]*pb.Directory
}

func newDirBuilder() *dirBuilder {
	root := &pb.Directory{}
	return &dirBuilder{root: root, dirs: map[string]*pb.Directory{".": root, "": root}}
}

func (b *dirBuilder) dir(name string) *pb.Directory {
	name = strings.TrimSuffix(name, "/")
	if name == "." || name == "" {
		return b.root
	}
	if d, ok := b.dirs[name]; ok {
		return d
	}
	d := &pb.Directory{}
	b.dirs[name] = d
	parent, base := path.Split(name)
	parentDir := b.dir(parent)
	parentDir.Directories = append(parentDir.Directories, &pb.DirectoryNode{Name: base})
	return d
}

func (b *dirBuilder) addFile(p string, digest *pb.Digest, executable bool) {
	dir := b.dir(path.Dir(p))
	dir.Files = append(dir.Files, &pb.FileNode{
		Name:         path.Base(p),
		Digest:       digest,
		IsExecutable: executable,
	})
}

// digest computes the root Directory's digest, recursively filling in the
// digest of every DirectoryNode placeholder created by dir() and sorting
// each level's children, bottom-up, as dfs descends.
func (b *dirBuilder) digest(name string) (*pb.Digest, error) {
	dir := b.dirs[name]
	for _, d := range dir.Directories {
		if d.Digest == nil {
			child := path.Join(name, d.Name)
			digest, err := b.digest(child)
			if err != nil {
				return nil, err
			}
			d.Digest = digest
		}
	}
	sort.Slice(dir.Files, func(i, j int) bool { return dir.Files[i].Name < dir.Files[j].Name })
	sort.Slice(dir.Directories, func(i, j int) bool { return dir.Directories[i].Name < dir.Directories[j].Name })
	digest, _, err := marshalDigest(dir)
	return digest, err
}

// DigestFromPathStats implements remote.Store's tree-building contract: it
// lays out stats into a Directory tree (a directory entry creates its
// Directory node, so an empty directory still appears in the tree; a file
// entry's digest comes from resolve) and returns the digest of the
// assembled root, after storing every
// Directory proto it created along the way so the tree is fetchable.
func (s *Store) DigestFromPathStats(ctx context.Context, stats []remote.PathStat, resolve func(path string) (*pb.Digest, error)) (*pb.Digest, error) {
	b := newDirBuilder()
	for _, st := range stats {
		if st.IsDir {
			b.dir(st.Path)
			continue
		}
		digest, err := resolve(st.Path)
		if err != nil {
			return nil, err
		}
		b.addFile(st.Path, digest, st.Executable)
	}
	root, err := b.digest(".")
	if err != nil {
		return nil, err
	}
	if err := s.storeDirTree(ctx, b); err != nil {
		return nil, err
	}
	return root, nil
}

// storeDirTree writes every Directory proto the builder created to the
// local cache (and, via StoreFileBytes' canonicalize path, the remote CAS)
// so a subsequent GetTree/download can resolve them.
func (s *Store) storeDirTree(ctx context.Context, b *dirBuilder) error {
	for name, dir := range b.dirs {
		if name == "" {
			continue // "" and "." alias the same *pb.Directory; store it once
		}
		_, data, err := marshalDigest(dir)
		if err != nil {
			return err
		}
		if _, err := s.StoreFileBytes(ctx, data, true); err != nil {
			return err
		}
	}
	return nil
}
