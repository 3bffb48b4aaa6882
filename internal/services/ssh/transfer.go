package ssh

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fgeck/remote-pipeline/internal/models"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
)

// treeFile is one regular file of a tree, addressed relative to its root
// with forward slashes.
type treeFile struct {
	rel  string
	size int64
	mode fs.FileMode
}

type fileDigest struct {
	rel string
	sum []byte
}

// UploadTree copies every regular file below localDir into remoteDir,
// preserving relative paths. Files are transferred by a bounded pool of
// workers; the first failure cancels the rest and is returned as a
// *models.TransferError naming the file. Files already copied are left
// in place.
func (s *remoteSession) UploadTree(ctx context.Context, localDir, remoteDir string) (*models.TransferResult, error) {
	if err := s.usable(ctx); err != nil {
		return nil, &models.TransferError{Direction: models.Upload, Path: localDir, Err: err}
	}

	start := time.Now()

	files, err := collectLocal(localDir)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("local", localDir).
		Str("remote", remoteDir).
		Int("files", len(files)).
		Msg("uploading input tree")

	// Parent directories are created up front so workers never race on them.
	for _, dir := range parentDirs(files) {
		target := path.Join(remoteDir, dir)
		if err := s.sftp.MkdirAll(target); err != nil {
			return nil, &models.TransferError{Direction: models.Upload, Path: target, Err: err}
		}
	}

	digests := make([]fileDigest, len(files))
	var total atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src := filepath.Join(localDir, filepath.FromSlash(f.rel))
			sum, n, err := s.uploadFile(src, path.Join(remoteDir, f.rel), f.mode)
			if err != nil {
				return &models.TransferError{Direction: models.Upload, Path: src, Err: err}
			}
			digests[i] = fileDigest{rel: f.rel, sum: sum}
			total.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, asTransferError(models.Upload, localDir, err)
	}

	result := &models.TransferResult{
		Files:    len(files),
		Bytes:    total.Load(),
		Digest:   treeDigest(digests),
		Duration: time.Since(start),
	}

	s.logger.Info().
		Int("files", result.Files).
		Str("size", humanize.Bytes(uint64(result.Bytes))). //nolint:gosec // sizes are non-negative
		Dur("duration", result.Duration).
		Msg("upload completed")

	return result, nil
}

// DownloadTree copies every regular file below remoteDir into localDir.
// It mirrors UploadTree.
func (s *remoteSession) DownloadTree(ctx context.Context, remoteDir, localDir string) (*models.TransferResult, error) {
	if err := s.usable(ctx); err != nil {
		return nil, &models.TransferError{Direction: models.Download, Path: remoteDir, Err: err}
	}

	start := time.Now()

	files, err := s.collectRemote(remoteDir)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("remote", remoteDir).
		Str("local", localDir).
		Int("files", len(files)).
		Msg("downloading output tree")

	for _, dir := range parentDirs(files) {
		target := filepath.Join(localDir, filepath.FromSlash(dir))
		if err := os.MkdirAll(target, 0o755); err != nil { //nolint:gosec // output tree is user readable
			return nil, &models.TransferError{Direction: models.Download, Path: target, Err: err}
		}
	}

	root := path.Clean(remoteDir)
	digests := make([]fileDigest, len(files))
	var total atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src := path.Join(root, f.rel)
			sum, n, err := s.downloadFile(src, filepath.Join(localDir, filepath.FromSlash(f.rel)), f.mode)
			if err != nil {
				return &models.TransferError{Direction: models.Download, Path: src, Err: err}
			}
			digests[i] = fileDigest{rel: f.rel, sum: sum}
			total.Add(n)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, asTransferError(models.Download, remoteDir, err)
	}

	result := &models.TransferResult{
		Files:    len(files),
		Bytes:    total.Load(),
		Digest:   treeDigest(digests),
		Duration: time.Since(start),
	}

	s.logger.Info().
		Int("files", result.Files).
		Str("size", humanize.Bytes(uint64(result.Bytes))). //nolint:gosec // sizes are non-negative
		Dur("duration", result.Duration).
		Msg("download completed")

	return result, nil
}

func (s *remoteSession) uploadFile(localPath, remotePath string, mode fs.FileMode) ([]byte, int64, error) {
	src, err := os.Open(localPath) //nolint:gosec // path comes from walking the input tree
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = src.Close() }()

	dst, err := s.sftp.Create(remotePath)
	if err != nil {
		return nil, 0, fmt.Errorf("creating %s: %w", remotePath, err)
	}

	hasher := blake3.New()
	n, err := io.Copy(dst, io.TeeReader(src, hasher))
	if err != nil {
		_ = dst.Close()
		return nil, n, fmt.Errorf("writing %s: %w", remotePath, err)
	}

	if err := dst.Chmod(mode.Perm()); err != nil {
		s.logger.Debug().Err(err).Str("path", remotePath).Msg("could not preserve file mode")
	}

	if err := dst.Close(); err != nil {
		return nil, n, fmt.Errorf("closing %s: %w", remotePath, err)
	}

	return hasher.Sum(nil), n, nil
}

func (s *remoteSession) downloadFile(remotePath, localPath string, mode fs.FileMode) ([]byte, int64, error) {
	src, err := s.sftp.Open(remotePath)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = src.Close() }()

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	dst, err := os.OpenFile(localPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm) //nolint:gosec // path is below the output dir
	if err != nil {
		return nil, 0, fmt.Errorf("creating %s: %w", localPath, err)
	}

	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(dst, hasher), src)
	if err != nil {
		_ = dst.Close()
		return nil, n, fmt.Errorf("writing %s: %w", localPath, err)
	}

	if err := dst.Close(); err != nil {
		return nil, n, fmt.Errorf("closing %s: %w", localPath, err)
	}

	return hasher.Sum(nil), n, nil
}

// collectLocal lists the regular files below root. Symlinks and other
// special files are skipped.
func collectLocal(root string) ([]treeFile, error) {
	var files []treeFile

	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return &models.TransferError{Direction: models.Upload, Path: p, Err: err}
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return &models.TransferError{Direction: models.Upload, Path: p, Err: err}
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return &models.TransferError{Direction: models.Upload, Path: p, Err: err}
		}
		files = append(files, treeFile{rel: filepath.ToSlash(rel), size: info.Size(), mode: info.Mode()})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// collectRemote lists the regular files below root on the remote host.
func (s *remoteSession) collectRemote(root string) ([]treeFile, error) {
	root = path.Clean(root)
	prefix := root + "/"
	if root == "/" {
		prefix = "/"
	}

	var files []treeFile
	walker := s.sftp.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, &models.TransferError{Direction: models.Download, Path: walker.Path(), Err: err}
		}
		info := walker.Stat()
		if !info.Mode().IsRegular() {
			continue
		}
		rel := strings.TrimPrefix(walker.Path(), prefix)
		files = append(files, treeFile{rel: rel, size: info.Size(), mode: info.Mode()})
	}

	return files, nil
}

// parentDirs returns the distinct parent directories of files, sorted so
// that parents come before children.
func parentDirs(files []treeFile) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, f := range files {
		dir := path.Dir(f.rel)
		if dir == "." || seen[dir] {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// treeDigest hashes the sorted list of (relative path, content hash)
// pairs, so two trees with equal digests hold the same files with the
// same content.
func treeDigest(digests []fileDigest) string {
	sorted := make([]fileDigest, len(digests))
	copy(sorted, digests)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].rel < sorted[j].rel })

	hasher := blake3.New()
	for _, d := range sorted {
		_, _ = fmt.Fprintf(hasher, "%s\x00%x\n", d.rel, d.sum)
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

func asTransferError(direction models.TransferDirection, root string, err error) error {
	var transferErr *models.TransferError
	if errors.As(err, &transferErr) {
		return transferErr
	}
	return &models.TransferError{Direction: direction, Path: root, Err: err}
}
