package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"

	"snapvault/internal/errors"
)

// Well-known entry names inside a backup archive. All paths are relative;
// the extractor refuses anything else.
const (
	MetadataBaseName = "metadata.json"
	DatabaseDumpName = "database.sql"
	DatabaseRawName  = "database.raw"
	FilesPrefix      = "files/"
)

// Builder assembles a backup archive. Entries are written in the order the
// pipeline produces them: metadata first, then the dump, then the file tree.
type Builder struct {
	file  *os.File
	zw    *zip.Writer
	comp  *CompressionManager
	count int
}

// NewBuilder creates the archive file and prepares a ZIP writer with the
// klauspost flate implementation registered for Deflate entries.
func NewBuilder(path string) (*Builder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("failed to create archive %s", path), err)
	}

	zw := zip.NewWriter(file)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	return &Builder{
		file: file,
		zw:   zw,
		comp: NewCompressionManager(),
	}, nil
}

// AddMetadata compresses the metadata export with the configured algorithm
// and stores it as metadata.json plus the algorithm's extension. The entry
// itself is stored uncompressed when the payload is already compressed.
func (b *Builder) AddMetadata(data []byte, algorithm CompressionType, level int) (string, *CompressionStats, error) {
	compressed, stats, err := b.comp.Compress(data, algorithm, level)
	if err != nil {
		return "", nil, err
	}

	name := MetadataBaseName + algorithm.Extension()
	method := zip.Store
	if algorithm == CompressionTypeNone {
		method = zip.Deflate
	}

	w, err := b.zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return "", nil, errors.NewStorageError("failed to create metadata entry", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return "", nil, errors.NewStorageError("failed to write metadata entry", err)
	}

	b.count++
	return name, stats, nil
}

// AddFile streams a file from disk into the archive under the given entry
// name. Used for database dumps and raw datastore copies.
func (b *Builder) AddFile(srcPath, entryName string) error {
	if err := validateEntryName(entryName); err != nil {
		return err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to open %s", srcPath), err)
	}
	defer src.Close()

	w, err := b.zw.CreateHeader(&zip.FileHeader{Name: entryName, Method: zip.Deflate})
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to create entry %s", entryName), err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to write entry %s", entryName), err)
	}

	b.count++
	return nil
}

// AddFileTree walks root and stores every regular file under
// files/<under>/<relative path>. Symlinks and special files are skipped.
// Returns the number of files added.
func (b *Builder) AddFileTree(root, under string) (int, error) {
	prefix := FilesPrefix
	if under != "" {
		prefix += strings.Trim(under, "/") + "/"
	}

	added := 0
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entryName := prefix + filepath.ToSlash(rel)
		if err := validateEntryName(entryName); err != nil {
			return err
		}

		if err := b.AddFile(path, entryName); err != nil {
			return err
		}
		added++
		return nil
	})
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok {
			return added, appErr
		}
		return added, errors.NewStorageError(fmt.Sprintf("failed to walk file tree %s", root), err)
	}
	return added, nil
}

// EntryCount returns the number of entries written so far.
func (b *Builder) EntryCount() int {
	return b.count
}

// Close finalizes the central directory and closes the archive file.
func (b *Builder) Close() error {
	if err := b.zw.Close(); err != nil {
		b.file.Close()
		return errors.NewStorageError("failed to finalize archive", err)
	}
	if err := b.file.Close(); err != nil {
		return errors.NewStorageError("failed to close archive file", err)
	}
	return nil
}

// Abort closes and removes a partially written archive.
func (b *Builder) Abort() {
	b.zw.Close()
	b.file.Close()
	os.Remove(b.file.Name())
}

func validateEntryName(name string) error {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return errors.NewSecurityViolation(fmt.Sprintf("archive entry name must be relative: %q", name), nil)
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return errors.NewSecurityViolation(fmt.Sprintf("archive entry name escapes the archive root: %q", name), nil)
		}
	}
	return nil
}
