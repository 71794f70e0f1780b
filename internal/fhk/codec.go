// Package fhk encodes and decodes the .fhk plugin package: a gzip
// compressed tar archive carrying the manifest, an optional container
// image tarball, a generated README and a checksum manifest.
package fhk

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/forgehook/forgehook/internal/errdefs"
	"github.com/forgehook/forgehook/internal/manifest"
)

const (
	entryManifest  = "manifest.json"
	entryImage     = "image.tar"
	entryReadme    = "README.md"
	entryChecksums = "checksums.sha256"

	// DefaultImportCap bounds the uncompressed size of an imported
	// package.
	DefaultImportCap = 2 << 30
)

// Package is the fully extracted content of an imported archive.
type Package struct {
	Manifest  *manifest.Manifest
	Readme    string
	Checksums map[string]string
	Image     []byte

	rawManifest []byte
}

// InspectResult summarizes an archive without holding the image.
type InspectResult struct {
	Manifest  *manifest.Manifest `json:"manifest"`
	Readme    string             `json:"readme,omitempty"`
	Checksums map[string]string  `json:"checksums,omitempty"`
	ImageSize int64              `json:"imageSize"`
}

// Codec reads and writes .fhk archives.
type Codec struct {
	// ImportCap bounds total uncompressed bytes accepted on import.
	ImportCap int64
}

// NewCodec returns a codec with the default import cap.
func NewCodec() *Codec {
	return &Codec{ImportCap: DefaultImportCap}
}

// Filename returns the canonical download name for a plugin package.
func Filename(m *manifest.Manifest) string {
	return fmt.Sprintf("%s-%s.fhk", m.ID, m.Version)
}

// Export writes the archive to w. image may be nil for embedded and
// gateway plugins. The image stream is spooled to a temp file first so
// its size and checksum are known before the tar header is written.
func (c *Codec) Export(w io.Writer, m *manifest.Manifest, image io.Reader) error {
	manifestJSON, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errdefs.Wrap(errdefs.CodeExportFailed, err, "failed to encode manifest for %s", m.ID)
	}
	readme := []byte(renderReadme(m))

	var (
		imageFile *os.File
		imageSize int64
		imageSum  string
	)
	if image != nil {
		imageFile, err = os.CreateTemp("", "forgehook-export-*.tar")
		if err != nil {
			return errdefs.Wrap(errdefs.CodeExportFailed, err, "failed to spool image for %s", m.ID)
		}
		defer func() {
			imageFile.Close()
			os.Remove(imageFile.Name())
		}()

		h := sha256.New()
		imageSize, err = io.Copy(io.MultiWriter(imageFile, h), image)
		if err != nil {
			return errdefs.Wrap(errdefs.CodeExportFailed, err, "failed to read image stream for %s", m.ID)
		}
		imageSum = hex.EncodeToString(h.Sum(nil))
		if _, err := imageFile.Seek(0, io.SeekStart); err != nil {
			return errdefs.Wrap(errdefs.CodeExportFailed, err, "failed to rewind image spool for %s", m.ID)
		}
	}

	var checksums bytes.Buffer
	fmt.Fprintf(&checksums, "%s  %s\n", sha256Hex(manifestJSON), entryManifest)
	if image != nil {
		fmt.Fprintf(&checksums, "%s  %s\n", imageSum, entryImage)
	}
	fmt.Fprintf(&checksums, "%s  %s\n", sha256Hex(readme), entryReadme)

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	now := time.Now().UTC()

	writeEntry := func(name string, size int64, r io.Reader) error {
		if err := tw.WriteHeader(&tar.Header{
			Name:    name,
			Mode:    0o644,
			Size:    size,
			ModTime: now,
		}); err != nil {
			return err
		}
		_, err := io.Copy(tw, r)
		return err
	}

	if err := writeEntry(entryManifest, int64(len(manifestJSON)), bytes.NewReader(manifestJSON)); err != nil {
		return errdefs.Wrap(errdefs.CodeExportFailed, err, "failed to write %s", entryManifest)
	}
	if image != nil {
		if err := writeEntry(entryImage, imageSize, imageFile); err != nil {
			return errdefs.Wrap(errdefs.CodeExportFailed, err, "failed to write %s", entryImage)
		}
	}
	if err := writeEntry(entryReadme, int64(len(readme)), bytes.NewReader(readme)); err != nil {
		return errdefs.Wrap(errdefs.CodeExportFailed, err, "failed to write %s", entryReadme)
	}
	if err := writeEntry(entryChecksums, int64(checksums.Len()), &checksums); err != nil {
		return errdefs.Wrap(errdefs.CodeExportFailed, err, "failed to write %s", entryChecksums)
	}

	if err := tw.Close(); err != nil {
		return errdefs.Wrap(errdefs.CodeExportFailed, err, "failed to finalize archive")
	}
	return gz.Close()
}

// Inspect streams the archive and summarizes it without retaining the
// image. Missing optional entries are tolerated; a missing manifest is
// an error.
func (c *Codec) Inspect(r io.Reader) (*InspectResult, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeInvalidPackage, "file is not a gzip archive")
	}
	defer gz.Close()

	result := &InspectResult{}
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errdefs.New(errdefs.CodeInvalidPackage, "archive is corrupt: %v", err)
		}
		switch hdr.Name {
		case entryManifest:
			data, err := io.ReadAll(io.LimitReader(tr, 1<<20))
			if err != nil {
				return nil, errdefs.New(errdefs.CodeInvalidPackage, "failed to read manifest entry")
			}
			m, err := manifest.Parse(data)
			if err != nil {
				return nil, errdefs.Wrap(errdefs.CodeInvalidPackage, err, "package manifest is invalid")
			}
			result.Manifest = m
		case entryImage:
			n, err := io.Copy(io.Discard, tr)
			if err != nil {
				return nil, errdefs.New(errdefs.CodeInvalidPackage, "failed to read image entry")
			}
			result.ImageSize = n
		case entryReadme:
			data, _ := io.ReadAll(io.LimitReader(tr, 1<<20))
			result.Readme = string(data)
		case entryChecksums:
			data, _ := io.ReadAll(io.LimitReader(tr, 1<<20))
			result.Checksums = parseChecksums(string(data))
		}
	}

	if result.Manifest == nil {
		return nil, errdefs.New(errdefs.CodeInvalidPackage, "package has no %s", entryManifest)
	}
	return result, nil
}

// Import fully extracts the archive, enforcing the size cap and
// verifying checksums when present.
func (c *Codec) Import(r io.Reader) (*Package, error) {
	limit := c.ImportCap
	if limit <= 0 {
		limit = DefaultImportCap
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeInvalidPackage, "file is not a gzip archive")
	}
	defer gz.Close()

	pkg := &Package{}
	var total int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errdefs.New(errdefs.CodeInvalidPackage, "archive is corrupt: %v", err)
		}
		total += hdr.Size
		if total > limit {
			return nil, errdefs.New(errdefs.CodeInvalidPackage,
				"package exceeds the %d byte import limit", limit)
		}

		data, err := io.ReadAll(io.LimitReader(tr, limit))
		if err != nil {
			return nil, errdefs.New(errdefs.CodeInvalidPackage, "failed to read entry %s", hdr.Name)
		}
		switch hdr.Name {
		case entryManifest:
			m, err := manifest.Parse(data)
			if err != nil {
				return nil, errdefs.Wrap(errdefs.CodeInvalidPackage, err, "package manifest is invalid")
			}
			pkg.Manifest = m
			if pkg.Checksums != nil {
				if err := verifyChecksum(pkg.Checksums, entryManifest, data); err != nil {
					return nil, err
				}
			} else {
				// Checksums may appear after the entry; keep the raw
				// bytes for late verification.
				pkg.rawManifest = data
			}
		case entryImage:
			pkg.Image = data
		case entryReadme:
			pkg.Readme = string(data)
		case entryChecksums:
			pkg.Checksums = parseChecksums(string(data))
		}
	}

	if pkg.Manifest == nil {
		return nil, errdefs.New(errdefs.CodeInvalidPackage, "package has no %s", entryManifest)
	}
	if pkg.Manifest.Runtime == manifest.RuntimeContainer && len(pkg.Image) == 0 {
		return nil, errdefs.New(errdefs.CodeInvalidPackage,
			"container package has no %s", entryImage)
	}

	if pkg.Checksums != nil {
		if pkg.rawManifest != nil {
			if err := verifyChecksum(pkg.Checksums, entryManifest, pkg.rawManifest); err != nil {
				return nil, err
			}
		}
		if len(pkg.Image) > 0 {
			if err := verifyChecksum(pkg.Checksums, entryImage, pkg.Image); err != nil {
				return nil, err
			}
		}
	}
	pkg.rawManifest = nil
	return pkg, nil
}

// renderReadme generates the bundled documentation page.
func renderReadme(m *manifest.Manifest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", m.Name)
	fmt.Fprintf(&b, "- **ID**: `%s`\n", m.ID)
	fmt.Fprintf(&b, "- **Version**: %s\n", m.Version)
	fmt.Fprintf(&b, "- **Runtime**: %s\n", m.Runtime)
	if m.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", m.Description)
	}
	if m.Repository != "" {
		fmt.Fprintf(&b, "\nRepository: %s\n", m.Repository)
	}
	if len(m.Endpoints) > 0 {
		b.WriteString("\n## Endpoints\n\n")
		for _, ep := range m.Endpoints {
			fmt.Fprintf(&b, "- `%s %s` %s\n", ep.Method, ep.Path, ep.Description)
		}
	}
	return b.String()
}

// parseChecksums reads "<hex>  <name>" lines.
func parseChecksums(s string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		out[fields[1]] = strings.ToLower(fields[0])
	}
	return out
}

func verifyChecksum(sums map[string]string, name string, data []byte) error {
	want, ok := sums[name]
	if !ok {
		return nil
	}
	if got := sha256Hex(data); got != want {
		return errdefs.New(errdefs.CodeInvalidPackage,
			"checksum mismatch for %s", name).
			WithDetail("expected", want).
			WithDetail("actual", sha256Hex(data))
	}
	return nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
