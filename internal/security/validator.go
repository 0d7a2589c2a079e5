package security

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"snapvault/internal/config"
	"snapvault/internal/errors"
	"snapvault/internal/logging"
)

// Report is the structured outcome of validating one uploaded file. IsSafe
// is true only when every hard check passed; warnings alone do not block the
// upload.
type Report struct {
	IsSafe       bool     `json:"is_safe"`
	Corrupted    bool     `json:"corrupted,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	FileHash     string   `json:"file_hash"`
	FileSize     int64    `json:"file_size"`
	DetectedType string   `json:"detected_type,omitempty"`
	SourceSystem string   `json:"source_system,omitempty"`
}

func (r *Report) fail(format string, args ...interface{}) {
	r.IsSafe = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Report) warn(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// ToJSON serializes the report for persistence on the upload record
func (r *Report) ToJSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	return string(data)
}

// Validator runs layered content inspection over uploaded archives before
// they may reach the restore path.
type Validator struct {
	cfg    config.SecurityConfig
	logger *logging.Logger
}

// NewValidator creates a validator bounded by the security configuration
func NewValidator(cfg config.SecurityConfig, logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Validator{cfg: cfg, logger: logger}
}

// copyChunkSize bounds how much of the upload is held in memory at once
const copyChunkSize = 64 * 1024

// Validate inspects the uploaded file and returns a report. The error return
// is reserved for infrastructure failures (unreadable file, no temp space);
// content problems land in the report instead.
func (v *Validator) Validate(ctx context.Context, uploadPath string) (*Report, error) {
	report := &Report{IsSafe: true}

	info, err := os.Stat(uploadPath)
	if err != nil {
		return nil, errors.NewStorageError(fmt.Sprintf("failed to stat upload %s", uploadPath), err)
	}
	report.FileSize = info.Size()

	if info.Size() > v.cfg.MaxUploadSize {
		report.fail("file size %d exceeds the %d byte ceiling", info.Size(), v.cfg.MaxUploadSize)
		return report, nil
	}
	if info.Size() == 0 {
		report.fail("file is empty")
		return report, nil
	}

	v.checkFilename(filepath.Base(uploadPath), report)

	// Stream the upload into a scratch copy in bounded chunks, hashing as
	// we go. All content checks run against the scratch copy so the
	// original is never held open across subprocess calls.
	scratch, head, err := v.stageUpload(uploadPath, report)
	if err != nil {
		return nil, err
	}
	defer os.Remove(scratch)

	v.checkMagicBytes(head, report)
	v.detectType(head, report)

	if report.DetectedType == "archive/zip" {
		v.checkArchive(scratch, report)
	}

	v.scanAntivirus(ctx, scratch, report)

	if !report.IsSafe {
		v.logger.Warnf("upload %s rejected: %s", filepath.Base(uploadPath), strings.Join(report.Errors, "; "))
	}
	return report, nil
}

// stageUpload copies the file to a temp location chunk by chunk, returning
// the scratch path and the first bytes for signature checks. The caller owns
// deleting the scratch file.
func (v *Validator) stageUpload(uploadPath string, report *Report) (string, []byte, error) {
	src, err := os.Open(uploadPath)
	if err != nil {
		return "", nil, errors.NewStorageError(fmt.Sprintf("failed to open upload %s", uploadPath), err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp("", "snapvault-validate-*")
	if err != nil {
		return "", nil, errors.NewStorageError("failed to create validation scratch file", err)
	}

	hasher := sha256.New()
	var head bytes.Buffer
	buf := make([]byte, copyChunkSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			if head.Len() < 512 {
				head.Write(buf[:n])
			}
			if _, err := tmp.Write(buf[:n]); err != nil {
				tmp.Close()
				os.Remove(tmp.Name())
				return "", nil, errors.NewStorageError("failed to write validation scratch file", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return "", nil, errors.NewStorageError("failed to read upload", readErr)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, errors.NewStorageError("failed to close validation scratch file", err)
	}

	report.FileHash = hex.EncodeToString(hasher.Sum(nil))

	headBytes := head.Bytes()
	if len(headBytes) > 512 {
		headBytes = headBytes[:512]
	}
	return tmp.Name(), headBytes, nil
}

// reservedNames are Windows device names that break cross-platform handling
var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {},
}

func (v *Validator) checkFilename(name string, report *Report) {
	if strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		report.fail("filename %q contains path traversal characters", name)
	}
	if strings.ContainsRune(name, 0) {
		report.fail("filename contains a NUL byte")
	}

	base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	if _, reserved := reservedNames[base]; reserved {
		report.fail("filename %q is an OS-reserved device name", name)
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !v.extensionAllowed(ext) {
		report.fail("file extension %q is not allowed", ext)
	}
}

func (v *Validator) extensionAllowed(ext string) bool {
	for _, allowed := range v.cfg.AllowedExtensions {
		if strings.EqualFold(ext, allowed) {
			return true
		}
	}
	return false
}

// executableSignatures are magic-byte prefixes of executable or script
// formats that have no business inside a backup upload.
var executableSignatures = []struct {
	prefix []byte
	name   string
}{
	{[]byte{0x7f, 'E', 'L', 'F'}, "ELF executable"},
	{[]byte{'M', 'Z'}, "Windows executable"},
	{[]byte{0xfe, 0xed, 0xfa, 0xce}, "Mach-O executable"},
	{[]byte{0xfe, 0xed, 0xfa, 0xcf}, "Mach-O executable"},
	{[]byte{0xcf, 0xfa, 0xed, 0xfe}, "Mach-O executable"},
	{[]byte{0xca, 0xfe, 0xba, 0xbe}, "Java class file"},
	{[]byte{'#', '!'}, "script with shebang"},
}

func (v *Validator) checkMagicBytes(head []byte, report *Report) {
	for _, sig := range executableSignatures {
		if bytes.HasPrefix(head, sig.prefix) {
			report.fail("file signature matches a %s", sig.name)
			return
		}
	}
}

// detectType classifies the upload by content, not extension, and sniffs
// which tool produced a SQL dump.
func (v *Validator) detectType(head []byte, report *Report) {
	switch {
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		report.DetectedType = "archive/zip"
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		report.DetectedType = "sql/gzip"
	default:
		upper := strings.ToUpper(string(head))
		if strings.Contains(upper, "INSERT INTO") || strings.Contains(upper, "CREATE TABLE") ||
			strings.Contains(upper, "PRAGMA") || bytes.HasPrefix(head, []byte("--")) {
			report.DetectedType = "sql/plain"
		}
	}

	text := string(head)
	switch {
	case strings.Contains(text, "mysqldump") || strings.Contains(text, "MySQL dump"):
		report.SourceSystem = "mysql"
	case strings.Contains(text, "pg_dump") || strings.Contains(text, "PostgreSQL database dump"):
		report.SourceSystem = "postgres"
	case strings.Contains(text, "sqlite"):
		report.SourceSystem = "sqlite"
	}
}

// dangerousEntryExtensions are rejected inside archive containers
var dangerousEntryExtensions = map[string]struct{}{
	".exe": {}, ".dll": {}, ".so": {}, ".dylib": {},
	".sh": {}, ".bash": {}, ".bat": {}, ".cmd": {}, ".ps1": {},
	".php": {}, ".py": {}, ".rb": {}, ".pl": {}, ".jar": {},
}

// checkArchive walks a zip container's central directory: entry names must
// stay inside the archive, no executable payloads, and compression ratios
// must stay under the decompression-bomb bounds.
func (v *Validator) checkArchive(archivePath string, report *Report) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		report.Corrupted = true
		report.fail("archive is not readable: %v", err)
		return
	}
	defer reader.Close()

	headers := make([]zip.FileHeader, 0, len(reader.File))
	for _, entry := range reader.File {
		headers = append(headers, entry.FileHeader)
	}
	v.checkArchiveEntries(headers, report)
}

// checkArchiveEntries applies the per-entry and aggregate bounds. Declared
// sizes come straight from attacker-controlled headers and may sit anywhere
// in the uint64 range, so all size math stays unsigned and sums saturate
// instead of wrapping.
func (v *Validator) checkArchiveEntries(entries []zip.FileHeader, report *Report) {
	var maxDecompressed uint64
	if v.cfg.MaxDecompressedSize > 0 {
		maxDecompressed = uint64(v.cfg.MaxDecompressedSize)
	}

	var totalCompressed, totalDecompressed uint64
	for _, entry := range entries {
		name := entry.Name
		if path.IsAbs(name) || strings.HasPrefix(name, "/") {
			report.fail("archive entry %q has an absolute path", name)
			continue
		}
		clean := path.Clean(name)
		if clean == ".." || strings.HasPrefix(clean, "../") {
			report.fail("archive entry %q escapes the archive root", name)
			continue
		}

		ext := strings.ToLower(path.Ext(name))
		if _, bad := dangerousEntryExtensions[ext]; bad {
			report.fail("archive entry %q has a dangerous extension", name)
		}

		totalCompressed = saturatingAdd(totalCompressed, entry.CompressedSize64)
		totalDecompressed = saturatingAdd(totalDecompressed, entry.UncompressedSize64)

		if entry.UncompressedSize64 > maxDecompressed {
			report.fail("archive entry %q decompresses to %d bytes, over the %d limit",
				name, entry.UncompressedSize64, maxDecompressed)
		}
		if entry.CompressedSize64 > 0 {
			ratio := float64(entry.UncompressedSize64) / float64(entry.CompressedSize64)
			if ratio > v.cfg.MaxEntryRatio {
				report.fail("archive entry %q has compression ratio %.0f, over the %.0f bound",
					name, ratio, v.cfg.MaxEntryRatio)
			}
		}
	}

	if totalDecompressed > maxDecompressed {
		report.fail("archive decompresses to %d bytes in total, over the %d limit",
			totalDecompressed, maxDecompressed)
	}
	if totalCompressed > 0 {
		ratio := float64(totalDecompressed) / float64(totalCompressed)
		if ratio > v.cfg.MaxAggregateRatio {
			report.fail("archive aggregate compression ratio %.0f exceeds the %.0f bound",
				ratio, v.cfg.MaxAggregateRatio)
		}
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

// scanAntivirus shells out to the configured scanner. A missing scanner
// degrades to a warning so uploads keep working on hosts without one; a
// positive detection or a timeout is a hard failure.
func (v *Validator) scanAntivirus(ctx context.Context, scratchPath string, report *Report) {
	command := v.cfg.AntivirusCommand
	if command == "" {
		command = "clamscan"
	}

	if _, err := exec.LookPath(command); err != nil {
		report.warn("antivirus scanner %q is not installed; scan skipped", command)
		return
	}

	scanCtx, cancel := context.WithTimeout(ctx, v.cfg.AntivirusTimeout)
	defer cancel()

	cmd := exec.CommandContext(scanCtx, command, "--no-summary", scratchPath)
	output, err := cmd.CombinedOutput()

	if scanCtx.Err() == context.DeadlineExceeded {
		report.fail("antivirus scan timed out after %s", v.cfg.AntivirusTimeout)
		return
	}
	if err != nil {
		// clamscan exits 1 on detection, 2 on errors.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			report.fail("antivirus scan flagged the file: %s", strings.TrimSpace(string(output)))
			return
		}
		report.warn("antivirus scan could not run: %v", err)
		return
	}
}
