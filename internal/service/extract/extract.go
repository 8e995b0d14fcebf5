// Package extract unpacks downloaded archives into sibling directories.
// Entries that would escape the extraction root, symlinks, and hard links
// pointing outside the root are refused.
package extract

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Result reports the outcome for one archive.
type Result struct {
	Archive     string  `json:"archive"`
	OK          bool    `json:"ok"`
	Destination *string `json:"destination"`
	Error       *string `json:"error"`
}

// Extractor unpacks zip and tar archives. When removeArchives is set, an
// archive is deleted after it extracts cleanly.
type Extractor struct {
	logger         *slog.Logger
	removeArchives bool
}

func NewExtractor(removeArchives bool, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		logger:         logger,
		removeArchives: removeArchives,
	}
}

// IsArchive reports whether a file name has one of the supported archive
// suffixes.
func IsArchive(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".zip") ||
		strings.HasSuffix(lower, ".tar") ||
		strings.HasSuffix(lower, ".tar.gz") ||
		strings.HasSuffix(lower, ".tgz")
}

// ExtractTree walks root, extracting every archive found outside of
// already-extracted trees. Archives are collected first so freshly
// created directories are never re-walked.
func (e *Extractor) ExtractTree(ctx context.Context, root string) []Result {
	var archives []string
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			e.logger.Warn("cannot walk path, skipping", "path", p, "error", err)
			return nil
		}
		if d.IsDir() {
			if strings.HasSuffix(d.Name(), "_extracted") {
				return filepath.SkipDir
			}
			return nil
		}
		if IsArchive(d.Name()) {
			archives = append(archives, p)
		}
		return nil
	})

	results := make([]Result, 0, len(archives))
	for _, archive := range archives {
		if ctx.Err() != nil {
			break
		}
		results = append(results, e.Extract(archive))
	}
	return results
}

// Extract unpacks one archive into <archive>_extracted next to it.
func (e *Extractor) Extract(archivePath string) Result {
	res := Result{Archive: archivePath}

	destRoot := archivePath + "_extracted"
	if err := os.MkdirAll(destRoot, 0755); err != nil {
		return e.failed(res, fmt.Errorf("creating %s: %w", destRoot, err))
	}

	lower := strings.ToLower(archivePath)
	var err error
	switch {
	case strings.HasSuffix(lower, ".zip"):
		err = e.extractZip(archivePath, destRoot)
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		err = e.extractTarGz(archivePath, destRoot)
	case strings.HasSuffix(lower, ".tar"):
		err = e.extractTarFile(archivePath, destRoot)
	default:
		err = fmt.Errorf("unsupported archive format: %s", archivePath)
	}
	if err != nil {
		return e.failed(res, err)
	}

	res.OK = true
	res.Destination = &destRoot
	e.logger.Debug("extracted archive", "archive", archivePath, "destination", destRoot)

	if e.removeArchives {
		if err := os.Remove(archivePath); err != nil {
			e.logger.Warn("failed to remove archive after extraction",
				"archive", archivePath,
				"error", err)
		}
	}
	return res
}

func (e *Extractor) failed(res Result, err error) Result {
	msg := err.Error()
	res.Error = &msg
	e.logger.Warn("extraction failed", "archive", res.Archive, "error", err)
	return res
}

func (e *Extractor) extractZip(archivePath, destRoot string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("opening zip %s: %w", archivePath, err)
	}
	defer reader.Close()

	for _, entry := range reader.File {
		if entry.Mode()&fs.ModeSymlink != 0 {
			e.logger.Warn("skipping symlink entry", "archive", archivePath, "entry", entry.Name)
			continue
		}

		dest, ok := e.safePath(destRoot, entry.Name, archivePath)
		if !ok {
			continue
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("creating directory %s: %w", dest, err)
			}
			continue
		}

		if err := e.writeZipEntry(entry, dest); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extractor) writeZipEntry(entry *zip.File, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dest, err)
	}

	rc, err := entry.Open()
	if err != nil {
		return fmt.Errorf("opening zip entry %s: %w", entry.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	_, err = io.Copy(out, rc)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("extracting %s: %w", entry.Name, err)
	}
	return nil
}

func (e *Extractor) extractTarGz(archivePath, destRoot string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return fmt.Errorf("reading gzip header of %s: %w", archivePath, err)
	}
	defer gzipReader.Close()

	return e.extractTar(tar.NewReader(gzipReader), destRoot, archivePath)
}

func (e *Extractor) extractTarFile(archivePath, destRoot string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", archivePath, err)
	}
	defer archiveFile.Close()

	return e.extractTar(tar.NewReader(archiveFile), destRoot, archivePath)
}

func (e *Extractor) extractTar(tr *tar.Reader, destRoot, archivePath string) error {
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar %s: %w", archivePath, err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			dest, ok := e.safePath(destRoot, header.Name, archivePath)
			if !ok {
				continue
			}
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("creating directory %s: %w", dest, err)
			}

		case tar.TypeReg:
			dest, ok := e.safePath(destRoot, header.Name, archivePath)
			if !ok {
				continue
			}
			if err := e.writeTarEntry(tr, header, dest); err != nil {
				return err
			}

		case tar.TypeSymlink:
			e.logger.Warn("skipping symlink entry", "archive", archivePath, "entry", header.Name)

		case tar.TypeLink:
			dest, ok := e.safePath(destRoot, header.Name, archivePath)
			if !ok {
				continue
			}
			target, ok := e.safePath(destRoot, header.Linkname, archivePath)
			if !ok {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("creating directory for %s: %w", dest, err)
			}
			if err := os.Link(target, dest); err != nil {
				e.logger.Warn("skipping hard link entry",
					"archive", archivePath,
					"entry", header.Name,
					"error", err)
			}

		default:
			e.logger.Debug("skipping unsupported tar entry",
				"archive", archivePath,
				"entry", header.Name,
				"type", header.Typeflag)
		}
	}
	return nil
}

func (e *Extractor) writeTarEntry(tr *tar.Reader, header *tar.Header, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dest, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	_, err = io.Copy(out, tr)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("extracting %s: %w", header.Name, err)
	}
	return nil
}

// safePath joins an entry name onto the extraction root and refuses
// absolute names and names that escape the root after normalization.
func (e *Extractor) safePath(root, name, archivePath string) (string, bool) {
	if path.IsAbs(name) || filepath.IsAbs(name) {
		e.logger.Warn("refusing absolute archive entry", "archive", archivePath, "entry", name)
		return "", false
	}

	dest := filepath.Join(root, filepath.FromSlash(name))
	cleanRoot := filepath.Clean(root)
	if dest != cleanRoot && !strings.HasPrefix(dest, cleanRoot+string(os.PathSeparator)) {
		e.logger.Warn("refusing archive entry escaping extraction root",
			"archive", archivePath,
			"entry", name)
		return "", false
	}
	return dest, true
}
