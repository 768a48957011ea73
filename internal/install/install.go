// SPDX-License-Identifier: MPL-2.0

// Package install downloads a resolved Dockside artifact, extracts it in a
// scoped temporary location, and swaps it into the install directory. The
// swap is rename-based and staged on the destination filesystem, so the
// only residual failure window is between removing a previous install and
// renaming the new one into place.
package install

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"dockside-setup/internal/release"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
)

const (
	// maxArtifactBytes is the upper bound on any extracted entry (500 MB).
	// Prevents decompression bombs when unpacking a release archive.
	maxArtifactBytes = 500 << 20

	// BinaryName is the CLI payload name inside Linux archives.
	BinaryName = "dockside"

	// BundleName is the app bundle payload name inside macOS archives.
	BundleName = "Dockside.app"
)

var (
	// ErrExtractFailed indicates the downloaded archive could not be unpacked.
	ErrExtractFailed = errors.New("artifact extraction failed")

	// ErrArtifactMissing indicates the expected payload was absent after
	// extraction.
	ErrArtifactMissing = errors.New("expected artifact missing from archive")
)

type (
	// Downloader is the narrow release-client capability Install needs.
	Downloader interface {
		Download(ctx context.Context, url string, dest io.Writer) error
	}

	// Installer places a downloaded artifact into its final location.
	Installer struct {
		client Downloader
		logger *log.Logger
	}
)

// NewInstaller creates an Installer backed by the given download client.
func NewInstaller(client Downloader, logger *log.Logger) *Installer {
	return &Installer{client: client, logger: logger}
}

// Install downloads the described artifact and installs it under installDir,
// replacing any previous install. It returns the final payload path.
func (i *Installer) Install(ctx context.Context, desc release.Descriptor, installDir string) (_ string, err error) {
	if err := os.MkdirAll(installDir, 0o755); err != nil {
		return "", fmt.Errorf("creating install directory %s: %w", installDir, err)
	}

	// Scratch space for the raw download, always removed.
	scratch, err := os.MkdirTemp("", "dockside-download-*")
	if err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	archivePath := filepath.Join(scratch, "artifact")
	if err := i.download(ctx, desc.URL, archivePath); err != nil {
		return "", err
	}

	// Staging lives inside installDir so the final rename never crosses
	// filesystems. The dot prefix keeps half-extracted payloads out of the
	// operator's way; the deferred removal covers every failure path.
	staging, err := os.MkdirTemp(installDir, ".dockside-stage-*")
	if err != nil {
		return "", fmt.Errorf("creating staging directory: %w", err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	payload, err := i.extract(desc.Kind, archivePath, staging)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(installDir, filepath.Base(payload))
	if err := replace(payload, dest); err != nil {
		return "", err
	}

	i.logger.Info("installed", "version", desc.Version, "path", dest)
	return dest, nil
}

// download streams the artifact URL to a file.
func (i *Installer) download(ctx context.Context, url, dest string) (err error) {
	i.logger.Info("downloading artifact", "url", url)

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating download file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return i.client.Download(ctx, url, f)
}

// extract unpacks the downloaded artifact into the staging directory and
// returns the path of the expected payload.
func (i *Installer) extract(kind release.Kind, archivePath, staging string) (string, error) {
	switch kind {
	case release.KindRawBinary:
		// The download lives on the system temp filesystem; copy rather
		// than rename so staging stays on the destination filesystem.
		payload := filepath.Join(staging, BinaryName)
		if err := copyFile(archivePath, payload, 0o755); err != nil {
			return "", fmt.Errorf("staging binary: %w", err)
		}
		return payload, nil

	case release.KindArchive:
		if err := untar(archivePath, staging); err != nil {
			return "", err
		}
		payload, err := findPayload(staging, BinaryName)
		if err != nil {
			return "", err
		}
		if err := os.Chmod(payload, 0o755); err != nil {
			return "", fmt.Errorf("marking binary executable: %w", err)
		}
		return payload, nil

	case release.KindAppBundle:
		if err := untar(archivePath, staging); err != nil {
			return "", err
		}
		return findPayload(staging, BundleName)

	default:
		return "", fmt.Errorf("%w: unknown artifact kind %d", ErrExtractFailed, kind)
	}
}

// replace swaps the staged payload into dest: remove the previous install,
// then rename the new one into place. Both live on the same filesystem, so
// the rename itself is atomic; the remove-then-rename sequence is the
// documented best-effort window.
func replace(payload, dest string) error {
	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("removing previous install at %s: %w", dest, err)
	}
	if err := os.Rename(payload, dest); err != nil {
		return fmt.Errorf("moving artifact into place: %w", err)
	}
	return nil
}

// findPayload locates the expected payload by base name anywhere under root,
// handling both flat archives and nested layouts (e.g. dockside_1.2.3/dockside).
func findPayload(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Name() == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scanning extracted archive: %w", err)
	}
	if found == "" {
		return "", fmt.Errorf("%w: %q not found after extraction", ErrArtifactMissing, name)
	}
	return found, nil
}

// untar unpacks a tar.gz archive into dir. Entries are size-limited and may
// not escape dir.
func untar(archivePath, dir string) (err error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: opening archive: %w", ErrExtractFailed, err)
	}
	defer func() { _ = f.Close() }() // read-only file handle

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: reading gzip stream: %w", ErrExtractFailed, err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		hdr, nextErr := tr.Next()
		if errors.Is(nextErr, io.EOF) {
			return nil
		}
		if nextErr != nil {
			return fmt.Errorf("%w: reading tar entry: %w", ErrExtractFailed, nextErr)
		}

		target, pathErr := securePath(dir, hdr.Name)
		if pathErr != nil {
			return pathErr
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: creating directory: %w", ErrExtractFailed, err)
			}
		case tar.TypeReg:
			if err := writeEntry(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			// App bundles carry internal symlinks (Frameworks, Resources).
			if filepath.IsAbs(hdr.Linkname) || strings.Contains(hdr.Linkname, "..") {
				return fmt.Errorf("%w: unsafe symlink %q -> %q", ErrExtractFailed, hdr.Name, hdr.Linkname)
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("%w: creating symlink: %w", ErrExtractFailed, err)
			}
		default:
			// Other entry types (devices, fifos) have no business in a
			// release archive.
			continue
		}
	}
}

// writeEntry writes one regular file entry, bounded by maxArtifactBytes.
func writeEntry(target string, r io.Reader, mode os.FileMode) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: creating parent directory: %w", ErrExtractFailed, err)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("%w: creating file: %w", ErrExtractFailed, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%w: closing file: %w", ErrExtractFailed, closeErr)
		}
	}()

	if _, err := io.Copy(f, io.LimitReader(r, maxArtifactBytes)); err != nil {
		return fmt.Errorf("%w: writing file: %w", ErrExtractFailed, err)
	}
	return nil
}

// copyFile copies src to dst with the given mode.
func copyFile(src, dst string, mode os.FileMode) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }() // read-only file handle

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := out.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	_, err = io.Copy(out, in)
	return err
}

// securePath joins name onto dir, rejecting entries that escape it.
func securePath(dir, name string) (string, error) {
	target := filepath.Join(dir, name)
	if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: entry %q escapes the extraction directory", ErrExtractFailed, name)
	}
	return target, nil
}
