package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"snapvault/internal/config"
	"snapvault/internal/errors"
	"snapvault/internal/ledger"
	"snapvault/internal/logging"
)

// Zone names one of the on-disk areas the service manages
type Zone string

const (
	ZoneManaged Zone = "managed"
	ZoneTemp    Zone = "temp"
	ZoneUploads Zone = "uploads"
	ZoneScratch Zone = "scratch"
)

// Service owns the storage zones: it reports usage and sweeps aged files.
// It never owns record lifecycle; the reference cache protects artifacts
// still tracked by the ledger from being swept.
type Service struct {
	cfg    *config.Config
	repo   *ledger.Repository
	cache  *ReferenceCache
	logger *logging.Logger
}

// NewService wires the storage service and its reference cache
func NewService(cfg *config.Config, repo *ledger.Repository, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Service{
		cfg:    cfg,
		repo:   repo,
		cache:  NewReferenceCache(repo, cfg.Storage.ReferenceCacheTTL),
		logger: logger,
	}
}

// Cache exposes the reference cache so backup and restore services can
// invalidate it after mutating records.
func (s *Service) Cache() *ReferenceCache {
	return s.cache
}

// EnsureZones creates all zone directories
func (s *Service) EnsureZones() error {
	for _, dir := range []string{
		s.cfg.Storage.ManagedDir,
		s.cfg.Storage.TempDir,
		s.cfg.Storage.UploadsDir,
		s.cfg.Storage.RestoreScratchDir,
	} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return errors.NewStorageError(fmt.Sprintf("failed to create storage zone %s", dir), err)
		}
	}
	return nil
}

func (s *Service) zonePath(zone Zone) string {
	switch zone {
	case ZoneManaged:
		return s.cfg.Storage.ManagedDir
	case ZoneTemp:
		return s.cfg.Storage.TempDir
	case ZoneUploads:
		return s.cfg.Storage.UploadsDir
	default:
		return s.cfg.Storage.RestoreScratchDir
	}
}

func (s *Service) zoneMaxAge(zone Zone) time.Duration {
	switch zone {
	case ZoneManaged:
		return s.cfg.Cleanup.ManagedMaxAge
	case ZoneTemp:
		return s.cfg.Cleanup.TempMaxAge
	case ZoneUploads:
		return s.cfg.Cleanup.UploadsMaxAge
	default:
		return s.cfg.Cleanup.ScratchMaxAge
	}
}

// ZoneStats is the usage of one zone
type ZoneStats struct {
	Zone  Zone   `json:"zone"`
	Path  string `json:"path"`
	Files int    `json:"files"`
	Bytes int64  `json:"bytes"`
}

// Stats is the per-zone usage breakdown
type Stats struct {
	Zones      []ZoneStats `json:"zones"`
	TotalFiles int         `json:"total_files"`
	TotalBytes int64       `json:"total_bytes"`
}

// Stats walks every zone and reports usage
func (s *Service) Stats() (*Stats, error) {
	stats := &Stats{}
	for _, zone := range []Zone{ZoneManaged, ZoneTemp, ZoneUploads, ZoneScratch} {
		zs := ZoneStats{Zone: zone, Path: s.zonePath(zone)}

		err := filepath.Walk(zs.Path, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			if !info.IsDir() {
				zs.Files++
				zs.Bytes += info.Size()
			}
			return nil
		})
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.NewStorageError(fmt.Sprintf("failed to walk zone %s", zone), err)
		}

		stats.Zones = append(stats.Zones, zs)
		stats.TotalFiles += zs.Files
		stats.TotalBytes += zs.Bytes
	}
	return stats, nil
}

// CleanupResult reports what a sweep reclaimed
type CleanupResult struct {
	FilesRemoved   int          `json:"files_removed"`
	BytesReclaimed int64        `json:"bytes_reclaimed"`
	PerZone        map[Zone]int `json:"per_zone"`
	Skipped        map[Zone]int `json:"skipped,omitempty"`
}

// Cleanup sweeps aged files from every zone. maxAge overrides the per-zone
// thresholds when positive; zero applies each zone's configured threshold.
// Managed-zone files are only removed when no live backup record references
// them, and the managed zone is skipped entirely while its threshold is
// unset. The uploads sweep is coordinated with the ledger: never-promoted
// upload rows are purged with their files, and ready uploads are exempt
// however old their files are.
func (s *Service) Cleanup(ctx context.Context, maxAge time.Duration) (*CleanupResult, error) {
	result := &CleanupResult{
		PerZone: make(map[Zone]int),
		Skipped: make(map[Zone]int),
	}

	for _, zone := range []Zone{ZoneTemp, ZoneScratch, ZoneUploads, ZoneManaged} {
		age := maxAge
		if age <= 0 {
			age = s.zoneMaxAge(zone)
		}
		if age <= 0 {
			// Never sweep a zone with no threshold; for managed
			// storage this is the safe default.
			continue
		}

		removedBefore := result.FilesRemoved
		bytesBefore := result.BytesReclaimed

		var err error
		if zone == ZoneUploads {
			err = s.sweepUploads(ctx, age, result)
		} else {
			err = s.sweepZone(ctx, zone, age, result, nil)
		}

		s.logger.LogCleanupSweep(string(zone),
			result.FilesRemoved-removedBefore, result.BytesReclaimed-bytesBefore, err)
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

// sweepUploads purges never-promoted uploads past the cutoff together with
// their ledger rows, then age-sweeps the remaining zone entries with ready
// uploads exempted.
func (s *Service) sweepUploads(ctx context.Context, maxAge time.Duration, result *CleanupResult) error {
	cutoff := time.Now().Add(-maxAge)

	stale, err := s.repo.ListStaleUploads(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, upload := range stale {
		if upload.FilePath != "" {
			if info, statErr := os.Stat(upload.FilePath); statErr == nil {
				size := sizeOf(upload.FilePath, info)
				if rmErr := os.RemoveAll(upload.FilePath); rmErr != nil {
					s.logger.Warnf("cleanup could not remove %s: %v", upload.FilePath, rmErr)
					continue
				}
				result.FilesRemoved++
				result.BytesReclaimed += size
				result.PerZone[ZoneUploads]++
			}
		}
		if err := s.repo.DeleteUpload(ctx, upload.ID); err != nil {
			return err
		}
		s.logger.Debugf("cleanup purged stale upload %s (status %s)", upload.ID, upload.Status)
	}

	ready, err := s.repo.ReadyUploadPaths(ctx)
	if err != nil {
		return err
	}
	return s.sweepZone(ctx, ZoneUploads, maxAge, result, ready)
}

func (s *Service) sweepZone(ctx context.Context, zone Zone, maxAge time.Duration, result *CleanupResult, exempt map[string]bool) error {
	root := s.zonePath(zone)
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.NewStorageError(fmt.Sprintf("failed to read zone %s", zone), err)
	}

	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())
		if exempt[path] {
			result.Skipped[zone]++
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		// Orphan detection: a managed artifact still referenced by a
		// live record is never deleted, however old it is.
		if zone == ZoneManaged {
			referenced, err := s.cache.IsReferenced(ctx, path)
			if err != nil {
				return err
			}
			if referenced {
				result.Skipped[zone]++
				continue
			}
		}

		size := sizeOf(path, info)
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warnf("cleanup could not remove %s: %v", path, err)
			continue
		}

		result.FilesRemoved++
		result.BytesReclaimed += size
		result.PerZone[zone]++
		s.logger.Debugf("cleanup removed %s from zone %s", entry.Name(), zone)
	}
	return nil
}

// sizeOf totals a file or a working directory tree before removal
func sizeOf(path string, info os.FileInfo) int64 {
	if !info.IsDir() {
		return info.Size()
	}

	var total int64
	filepath.Walk(path, func(_ string, fi os.FileInfo, err error) error {
		if err == nil && !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	return total
}
