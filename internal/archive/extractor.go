package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"snapvault/internal/errors"
)

// ExtractLimits bounds how much an archive may expand during extraction.
type ExtractLimits struct {
	// MaxEntrySize is the largest uncompressed size allowed for one entry.
	MaxEntrySize int64
	// MaxTotalSize is the largest aggregate uncompressed size allowed.
	MaxTotalSize int64
}

// DefaultExtractLimits allows generous single backups while still refusing
// decompression bombs.
func DefaultExtractLimits() ExtractLimits {
	return ExtractLimits{
		MaxEntrySize: 2 << 30,  // 2GB
		MaxTotalSize: 10 << 30, // 10GB
	}
}

// ExtractResult summarizes a completed extraction.
type ExtractResult struct {
	Entries       int
	TotalSize     int64
	MetadataEntry string
	DatabaseEntry string
	FileEntries   []string
}

// Extract unpacks an archive into destDir. Every entry name must be a clean
// relative path; anything absolute or containing ".." aborts the whole
// extraction with a security violation.
func Extract(archivePath, destDir string, limits ExtractLimits) (*ExtractResult, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("failed to open archive %s", archivePath), err)
	}
	defer reader.Close()

	if err := os.MkdirAll(destDir, 0750); err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("failed to create extraction directory %s", destDir), err)
	}

	result := &ExtractResult{}
	for _, entry := range reader.File {
		if err := validateEntryName(entry.Name); err != nil {
			return nil, err
		}
		if entry.FileInfo().IsDir() {
			continue
		}

		written, err := extractEntry(entry, destDir, limits, result.TotalSize)
		if err != nil {
			return nil, err
		}

		result.Entries++
		result.TotalSize += written
		classifyEntry(result, entry.Name)
	}

	return result, nil
}

func extractEntry(entry *zip.File, destDir string, limits ExtractLimits, totalSoFar int64) (int64, error) {
	target := filepath.Join(destDir, filepath.FromSlash(entry.Name))

	// Join cleans the path, so re-check containment after joining.
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return 0, errors.NewSecurityViolation(fmt.Sprintf("archive entry escapes extraction root: %q", entry.Name), nil)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("failed to create directory for %s", entry.Name), err)
	}

	src, err := entry.Open()
	if err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("failed to open archive entry %s", entry.Name), err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return 0, errors.NewStorageError(fmt.Sprintf("failed to create %s", target), err)
	}
	defer dst.Close()

	// Copy with a hard cap rather than trusting the entry header, which a
	// crafted archive can understate.
	entryCap := limits.MaxEntrySize
	if remaining := limits.MaxTotalSize - totalSoFar; remaining < entryCap {
		entryCap = remaining
	}
	if entryCap <= 0 {
		return 0, errors.NewSecurityViolation("archive exceeds total extraction size limit", nil)
	}

	written, err := io.Copy(dst, io.LimitReader(src, entryCap+1))
	if err != nil {
		return written, errors.NewStorageError(fmt.Sprintf("failed to extract %s", entry.Name), err)
	}
	if written > entryCap {
		os.Remove(target)
		return written, errors.NewSecurityViolation(fmt.Sprintf("archive entry %s exceeds extraction size limit", entry.Name), nil)
	}

	return written, nil
}

func classifyEntry(result *ExtractResult, name string) {
	switch {
	case strings.HasPrefix(name, MetadataBaseName):
		result.MetadataEntry = name
	case name == DatabaseDumpName || name == DatabaseRawName:
		result.DatabaseEntry = name
	case strings.HasPrefix(name, FilesPrefix):
		result.FileEntries = append(result.FileEntries, name)
	}
}

// ReadMetadata loads and decompresses the metadata entry from an extracted
// archive directory. The compression algorithm is inferred from the entry
// suffix.
func ReadMetadata(extractedDir, metadataEntry string) ([]byte, error) {
	if metadataEntry == "" {
		return nil, errors.NewNotFoundError("archive has no metadata entry", nil)
	}

	raw, err := os.ReadFile(filepath.Join(extractedDir, metadataEntry))
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("failed to read metadata entry %s", metadataEntry), err)
	}

	return NewCompressionManager().Decompress(raw, CompressionTypeForEntry(metadataEntry))
}
