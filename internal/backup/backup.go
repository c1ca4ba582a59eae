// Package backup snapshots build output before a production activation.
package backup

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/dwsmith1983/rollout/internal/metrics"
)

// ManifestName is the digest listing written at the root of every backup.
// Lines use the b3sum format "<hex digest>  <relative path>".
const ManifestName = "MANIFEST.b3"

// Backup describes a completed snapshot.
type Backup struct {
	Dir       string
	Files     int
	Bytes     int64
	Digests   map[string]string
	ObjectKey string
}

// Creator copies build output into timestamped directories under a root.
type Creator struct {
	root     string
	now      func() time.Time
	uploader *Uploader
	logger   *slog.Logger
}

// Option configures a Creator.
type Option func(*Creator)

// WithClock sets the time source used for directory names.
func WithClock(now func() time.Time) Option {
	return func(c *Creator) { c.now = now }
}

// WithUploader archives each backup to object storage after it is written.
func WithUploader(u *Uploader) Option {
	return func(c *Creator) { c.uploader = u }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Creator) { c.logger = l }
}

// NewCreator creates a Creator writing under root.
func NewCreator(root string, opts ...Option) *Creator {
	c := &Creator{
		root:   root,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Timestamp formats t the way backup directories are named: an ISO-8601 UTC
// instant with ':' and '.' replaced so it is a safe path component.
func Timestamp(t time.Time) string {
	s := t.UTC().Format("2006-01-02T15:04:05.000Z")
	return strings.NewReplacer(":", "-", ".", "-").Replace(s)
}

// Create copies srcDir to <root>/<timestamp>/<base(srcDir)> and writes a
// BLAKE3 manifest next to it.
func (c *Creator) Create(ctx context.Context, srcDir, label string) (*Backup, error) {
	info, err := os.Stat(srcDir)
	if err != nil {
		return nil, fmt.Errorf("reading build output: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("build output %s is not a directory", srcDir)
	}

	stamp := Timestamp(c.now())
	dir := filepath.Join(c.root, stamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating backup directory: %w", err)
	}

	b := &Backup{Dir: dir, Digests: make(map[string]string)}
	dest := filepath.Join(dir, filepath.Base(srcDir))

	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type().IsRegular():
			n, sum, err := copyFile(path, target)
			if err != nil {
				return err
			}
			b.Files++
			b.Bytes += n
			b.Digests[filepath.ToSlash(filepath.Join(filepath.Base(srcDir), rel))] = sum
			return nil
		default:
			// symlinks and special files are not part of build output
			return nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("copying %s to %s: %w", srcDir, dir, err)
	}

	if err := writeManifest(filepath.Join(dir, ManifestName), b.Digests); err != nil {
		return nil, err
	}

	metrics.BackupsCreated.Add(1)
	c.logger.Info("backup created", "dir", dir, "files", b.Files, "bytes", b.Bytes)

	if c.uploader != nil {
		key, err := c.uploader.Upload(ctx, dir, label, stamp)
		if err != nil {
			return b, fmt.Errorf("uploading backup: %w", err)
		}
		b.ObjectKey = key
		c.logger.Info("backup uploaded", "key", key)
	}

	return b, nil
}

func copyFile(src, dst string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return 0, "", err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return 0, "", err
	}

	h := blake3.New()
	n, err := io.Copy(io.MultiWriter(out, h), in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func writeManifest(path string, digests map[string]string) error {
	names := make([]string, 0, len(digests))
	for name := range digests {
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, name := range names {
		fmt.Fprintf(&sb, "%s  %s\n", digests[name], name)
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// Verify re-hashes every file listed in a backup's manifest and reports the
// first mismatch.
func Verify(dir string) error {
	f, err := os.Open(filepath.Join(dir, ManifestName))
	if err != nil {
		return fmt.Errorf("opening manifest: %w", err)
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		want, name, ok := strings.Cut(sc.Text(), "  ")
		if !ok {
			return fmt.Errorf("malformed manifest line %q", sc.Text())
		}
		got, err := hashFile(filepath.Join(dir, filepath.FromSlash(name)))
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("digest mismatch for %s", name)
		}
	}
	return sc.Err()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
