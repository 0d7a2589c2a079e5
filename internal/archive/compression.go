package archive

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"snapvault/internal/errors"
)

// CompressionType identifies a metadata compression algorithm
type CompressionType string

const (
	CompressionTypeNone CompressionType = "none"
	CompressionTypeGzip CompressionType = "gzip"
	CompressionTypeZstd CompressionType = "zstd"
	CompressionTypeLZ4  CompressionType = "lz4"
)

// Extension returns the file suffix appended to compressed metadata entries
func (ct CompressionType) Extension() string {
	switch ct {
	case CompressionTypeGzip:
		return ".gz"
	case CompressionTypeZstd:
		return ".zst"
	case CompressionTypeLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// CompressionTypeForEntry resolves the algorithm from an entry name suffix
func CompressionTypeForEntry(name string) CompressionType {
	switch {
	case strings.HasSuffix(name, ".gz"):
		return CompressionTypeGzip
	case strings.HasSuffix(name, ".zst"):
		return CompressionTypeZstd
	case strings.HasSuffix(name, ".lz4"):
		return CompressionTypeLZ4
	default:
		return CompressionTypeNone
	}
}

// CompressionStats contains statistics about compression operations
type CompressionStats struct {
	OriginalSize     int64           `json:"original_size"`
	CompressedSize   int64           `json:"compressed_size"`
	CompressionRatio float64         `json:"compression_ratio"`
	Algorithm        CompressionType `json:"algorithm"`
	Level            int             `json:"level"`
	Duration         time.Duration   `json:"duration"`
}

// Compressor interface defines compression operations
type Compressor interface {
	Compress(data []byte, level int) ([]byte, *CompressionStats, error)
	Decompress(data []byte) ([]byte, error)
	GetAlgorithm() CompressionType
	GetDefaultLevel() int
	GetMaxLevel() int
	GetMinLevel() int
}

// CompressionManager manages metadata compression operations
type CompressionManager struct {
	compressors map[CompressionType]Compressor
}

// NewCompressionManager creates a new compression manager
func NewCompressionManager() *CompressionManager {
	cm := &CompressionManager{
		compressors: make(map[CompressionType]Compressor),
	}

	cm.compressors[CompressionTypeGzip] = &GzipCompressor{}
	cm.compressors[CompressionTypeLZ4] = &LZ4Compressor{}
	cm.compressors[CompressionTypeZstd] = &ZstdCompressor{}

	return cm
}

// Compress compresses data using the specified algorithm and level
func (cm *CompressionManager) Compress(data []byte, algorithm CompressionType, level int) ([]byte, *CompressionStats, error) {
	if algorithm == CompressionTypeNone {
		return data, &CompressionStats{
			OriginalSize:     int64(len(data)),
			CompressedSize:   int64(len(data)),
			CompressionRatio: 1.0,
			Algorithm:        CompressionTypeNone,
		}, nil
	}

	compressor, exists := cm.compressors[algorithm]
	if !exists {
		return nil, nil, errors.NewStorageError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}

	if level < compressor.GetMinLevel() || level > compressor.GetMaxLevel() {
		level = compressor.GetDefaultLevel()
	}

	return compressor.Compress(data, level)
}

// Decompress decompresses data using the specified algorithm
func (cm *CompressionManager) Decompress(data []byte, algorithm CompressionType) ([]byte, error) {
	if algorithm == CompressionTypeNone {
		return data, nil
	}

	compressor, exists := cm.compressors[algorithm]
	if !exists {
		return nil, errors.NewStorageError(fmt.Sprintf("unsupported compression algorithm: %s", algorithm), nil)
	}

	return compressor.Decompress(data)
}

// CalculateCompressionRatio calculates the compression ratio
func CalculateCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 1.0
	}
	return float64(compressedSize) / float64(originalSize)
}

// GzipCompressor implements gzip compression
type GzipCompressor struct{}

func (gc *GzipCompressor) Compress(data []byte, level int) ([]byte, *CompressionStats, error) {
	start := time.Now()

	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, nil, errors.NewStorageError("failed to create gzip writer", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, nil, errors.NewStorageError("failed to write data to gzip writer", err)
	}

	if err := writer.Close(); err != nil {
		return nil, nil, errors.NewStorageError("failed to close gzip writer", err)
	}

	compressed := buf.Bytes()

	stats := &CompressionStats{
		OriginalSize:     int64(len(data)),
		CompressedSize:   int64(len(compressed)),
		CompressionRatio: CalculateCompressionRatio(int64(len(data)), int64(len(compressed))),
		Algorithm:        CompressionTypeGzip,
		Level:            level,
		Duration:         time.Since(start),
	}

	return compressed, stats, nil
}

func (gc *GzipCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.NewStorageError("failed to create gzip reader", err)
	}
	defer reader.Close()

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.NewStorageError("failed to decompress gzip data", err)
	}

	return decompressed, nil
}

func (gc *GzipCompressor) GetAlgorithm() CompressionType {
	return CompressionTypeGzip
}

func (gc *GzipCompressor) GetDefaultLevel() int {
	return gzip.DefaultCompression
}

func (gc *GzipCompressor) GetMaxLevel() int {
	return gzip.BestCompression
}

func (gc *GzipCompressor) GetMinLevel() int {
	return gzip.BestSpeed
}

// LZ4Compressor implements LZ4 compression
type LZ4Compressor struct{}

func (lc *LZ4Compressor) Compress(data []byte, level int) ([]byte, *CompressionStats, error) {
	start := time.Now()

	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if level > 6 {
		if err := writer.Apply(lz4.CompressionLevelOption(lz4.Level9)); err != nil {
			return nil, nil, errors.NewStorageError("failed to set LZ4 high compression", err)
		}
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, nil, errors.NewStorageError("failed to write data to LZ4 writer", err)
	}

	if err := writer.Close(); err != nil {
		return nil, nil, errors.NewStorageError("failed to close LZ4 writer", err)
	}

	compressed := buf.Bytes()

	stats := &CompressionStats{
		OriginalSize:     int64(len(data)),
		CompressedSize:   int64(len(compressed)),
		CompressionRatio: CalculateCompressionRatio(int64(len(data)), int64(len(compressed))),
		Algorithm:        CompressionTypeLZ4,
		Level:            level,
		Duration:         time.Since(start),
	}

	return compressed, stats, nil
}

func (lc *LZ4Compressor) Decompress(data []byte) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))

	decompressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.NewStorageError("failed to decompress LZ4 data", err)
	}

	return decompressed, nil
}

func (lc *LZ4Compressor) GetAlgorithm() CompressionType {
	return CompressionTypeLZ4
}

func (lc *LZ4Compressor) GetDefaultLevel() int {
	return 1
}

func (lc *LZ4Compressor) GetMaxLevel() int {
	return 12
}

func (lc *LZ4Compressor) GetMinLevel() int {
	return 1
}

// ZstdCompressor implements Zstandard compression
type ZstdCompressor struct{}

func (zc *ZstdCompressor) Compress(data []byte, level int) ([]byte, *CompressionStats, error) {
	start := time.Now()

	encoderLevel := zstd.SpeedFastest
	switch {
	case level <= 1:
		encoderLevel = zstd.SpeedFastest
	case level <= 3:
		encoderLevel = zstd.SpeedDefault
	case level <= 6:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encoderLevel))
	if err != nil {
		return nil, nil, errors.NewStorageError("failed to create zstd encoder", err)
	}
	defer encoder.Close()

	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)))

	stats := &CompressionStats{
		OriginalSize:     int64(len(data)),
		CompressedSize:   int64(len(compressed)),
		CompressionRatio: CalculateCompressionRatio(int64(len(data)), int64(len(compressed))),
		Algorithm:        CompressionTypeZstd,
		Level:            level,
		Duration:         time.Since(start),
	}

	return compressed, stats, nil
}

func (zc *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.NewStorageError("failed to create zstd decoder", err)
	}
	defer decoder.Close()

	decompressed, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, errors.NewStorageError("failed to decompress zstd data", err)
	}

	return decompressed, nil
}

func (zc *ZstdCompressor) GetAlgorithm() CompressionType {
	return CompressionTypeZstd
}

func (zc *ZstdCompressor) GetDefaultLevel() int {
	return 3
}

func (zc *ZstdCompressor) GetMaxLevel() int {
	return 22
}

func (zc *ZstdCompressor) GetMinLevel() int {
	return 1
}
