package maintenance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sqlrecall/sqlrecall/internal/observability"
	"github.com/sqlrecall/sqlrecall/internal/patterns"
	"github.com/sqlrecall/sqlrecall/internal/schema"
	"github.com/sqlrecall/sqlrecall/internal/storage"
)

type Config struct {
	PruneInterval  time.Duration
	MaxAge         time.Duration
	MinScore       float64
	MaxPatterns    int
	ExportInterval time.Duration
	ExportPrefix   string
	// KeepExports is the number of newest export files retained per
	// fingerprint. Zero keeps every export.
	KeepExports int
}

type Service struct {
	Store       patterns.Store
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
}

type PruneSummary struct {
	FingerprintsScanned int `json:"fingerprints_scanned"`
	PatternsRemoved     int `json:"patterns_removed"`
	Failures            int `json:"failures"`
}

type ExportSummary struct {
	FingerprintsScanned int   `json:"fingerprints_scanned"`
	FilesWritten        int   `json:"files_written"`
	PatternsExported    int   `json:"patterns_exported"`
	BytesWritten        int64 `json:"bytes_written"`
	ExportsDeleted      int   `json:"exports_deleted"`
	Failures            int   `json:"failures"`
}

func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	pruneTicker := time.NewTicker(s.Config.PruneInterval)
	defer pruneTicker.Stop()

	var exportC <-chan time.Time
	if s.ObjectStore != nil && s.Config.ExportInterval > 0 {
		exportTicker := time.NewTicker(s.Config.ExportInterval)
		defer exportTicker.Stop()
		exportC = exportTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pruneTicker.C:
			summary, err := s.RunPruneOnce(ctx, "")
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "prune cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "prune cycle completed", slog.Any("summary", summary))
			}
		case <-exportC:
			summary, err := s.RunExportOnce(ctx, "")
			if err != nil {
				if s.Logger != nil {
					s.Logger.ErrorContext(ctx, "export cycle failed", slog.Any("error", err), slog.Any("summary", summary))
				}
				continue
			}
			if s.Logger != nil {
				s.Logger.InfoContext(ctx, "export cycle completed", slog.Any("summary", summary))
			}
		}
	}
}

// Policy returns the prune policy in effect at now.
func (s *Service) Policy(now time.Time) patterns.PrunePolicy {
	policy := patterns.PrunePolicy{
		MinScore:    s.Config.MinScore,
		MaxPatterns: s.Config.MaxPatterns,
	}
	if s.Config.MaxAge > 0 {
		policy.LastUsedBefore = now.Add(-s.Config.MaxAge)
	}
	return policy
}

// RunPruneOnce applies the configured policy to fp, or to every stored
// fingerprint when fp is empty.
func (s *Service) RunPruneOnce(ctx context.Context, fp schema.Fingerprint) (PruneSummary, error) {
	s.ensureDefaults()
	if s.Store == nil {
		return PruneSummary{}, fmt.Errorf("pattern store is required")
	}

	policy := s.Policy(s.Clock())
	if policy.IsZero() {
		return PruneSummary{}, nil
	}

	targets, err := s.listTargetFingerprints(ctx, fp)
	if err != nil {
		runsTotal.WithLabelValues("prune", "failed").Inc()
		return PruneSummary{}, err
	}

	summary := PruneSummary{FingerprintsScanned: len(targets)}
	failures := make([]string, 0)
	for _, target := range targets {
		removed, err := s.Store.Prune(ctx, target, policy)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("fingerprint %s prune: %v", target.Short(), err))
			continue
		}
		summary.PatternsRemoved += removed
	}
	observability.ObservePrune(summary.PatternsRemoved)
	if fp == "" {
		s.refreshFingerprintGauge(ctx)
	}

	if len(failures) > 0 {
		runsTotal.WithLabelValues("prune", "failed").Inc()
		return summary, fmt.Errorf("prune encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
	}
	runsTotal.WithLabelValues("prune", "completed").Inc()
	return summary, nil
}

// RunExportOnce writes one parquet snapshot for fp, or for every stored
// fingerprint when fp is empty, then trims snapshots beyond KeepExports.
func (s *Service) RunExportOnce(ctx context.Context, fp schema.Fingerprint) (ExportSummary, error) {
	s.ensureDefaults()
	if s.Store == nil {
		return ExportSummary{}, fmt.Errorf("pattern store is required")
	}
	if s.ObjectStore == nil {
		return ExportSummary{}, fmt.Errorf("object store is required")
	}

	targets, err := s.listTargetFingerprints(ctx, fp)
	if err != nil {
		observability.ObserveExport(0, err)
		runsTotal.WithLabelValues("export", "failed").Inc()
		return ExportSummary{}, err
	}

	summary := ExportSummary{FingerprintsScanned: len(targets)}
	failures := make([]string, 0)
	exportedAt := s.Clock()
	for _, target := range targets {
		items, err := s.Store.Candidates(ctx, target)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("fingerprint %s candidates: %v", target.Short(), err))
			continue
		}
		if len(items) == 0 {
			continue
		}

		info, err := s.exportFingerprint(ctx, target, items, exportedAt)
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("fingerprint %s export: %v", target.Short(), err))
			continue
		}
		summary.FilesWritten++
		summary.PatternsExported += len(items)
		summary.BytesWritten += info.Size

		deleted, err := s.trimExports(ctx, target)
		summary.ExportsDeleted += deleted
		if err != nil {
			summary.Failures++
			failures = append(failures, fmt.Sprintf("fingerprint %s trim exports: %v", target.Short(), err))
		}
	}
	if summary.ExportsDeleted > 0 {
		exportsDeletedTotal.Add(float64(summary.ExportsDeleted))
	}

	if len(failures) > 0 {
		err := fmt.Errorf("export encountered %d failure(s): %s", len(failures), strings.Join(failures, "; "))
		observability.ObserveExport(summary.PatternsExported, err)
		runsTotal.WithLabelValues("export", "failed").Inc()
		return summary, err
	}
	observability.ObserveExport(summary.PatternsExported, nil)
	runsTotal.WithLabelValues("export", "completed").Inc()
	return summary, nil
}

func (s *Service) exportFingerprint(ctx context.Context, fp schema.Fingerprint, items []patterns.Pattern, exportedAt time.Time) (storage.ObjectInfo, error) {
	encoded, err := encodeExport(items, exportedAt)
	if err != nil {
		return storage.ObjectInfo{}, err
	}

	workDir, err := os.MkdirTemp("", "sqlrecall-export-")
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("create export temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	localPath := filepath.Join(workDir, "patterns.parquet")
	if err := writeLocalFile(localPath, bytes.NewReader(encoded)); err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("write local export file: %w", err)
	}
	written, err := countParquetRows(ctx, localPath)
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("verify export: %w", err)
	}
	if written != int64(len(items)) {
		return storage.ObjectInfo{}, fmt.Errorf("export row count mismatch: patterns=%d written=%d", len(items), written)
	}

	objectPath, err := s.nextExportPath(ctx, fp, exportedAt)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := s.ObjectStore.Put(ctx, objectPath, bytes.NewReader(encoded), int64(len(encoded)), storage.PutOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return storage.ObjectInfo{}, fmt.Errorf("upload export %s: %w", objectPath, err)
	}
	if s.Logger != nil {
		s.Logger.DebugContext(ctx, "patterns exported",
			slog.String("fingerprint", fp.Short()),
			slog.String("object_path", objectPath),
			slog.Int("patterns", len(items)),
		)
	}
	return info, nil
}

// nextExportPath picks the first free sequence for exportedAt so two runs in
// the same second do not overwrite each other.
func (s *Service) nextExportPath(ctx context.Context, fp schema.Fingerprint, exportedAt time.Time) (string, error) {
	for sequence := 0; sequence < 1000; sequence++ {
		objectPath, err := storage.BuildPatternExportPath(s.Config.ExportPrefix, fp.String(), exportedAt, sequence)
		if err != nil {
			return "", fmt.Errorf("build export path: %w", err)
		}
		_, err = s.ObjectStore.Stat(ctx, objectPath)
		if errors.Is(err, storage.ErrObjectNotFound) {
			return objectPath, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat export path %s: %w", objectPath, err)
		}
	}
	return "", fmt.Errorf("no free export sequence for fingerprint %s", fp.Short())
}

func (s *Service) trimExports(ctx context.Context, fp schema.Fingerprint) (int, error) {
	if s.Config.KeepExports <= 0 {
		return 0, nil
	}
	prefix, err := storage.BuildPatternExportPrefix(s.Config.ExportPrefix, fp.String())
	if err != nil {
		return 0, err
	}
	objects, err := s.ObjectStore.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("list exports: %w", err)
	}
	exports := make([]storage.ObjectInfo, 0, len(objects))
	for _, object := range objects {
		if strings.HasSuffix(object.Key, ".parquet") {
			exports = append(exports, object)
		}
	}
	if len(exports) <= s.Config.KeepExports {
		return 0, nil
	}

	// Keys sort by date, then unix seconds, then sequence.
	deleted := 0
	for _, object := range exports[:len(exports)-s.Config.KeepExports] {
		if err := s.ObjectStore.Delete(ctx, object.Key); err != nil {
			return deleted, fmt.Errorf("delete export %s: %w", object.Key, err)
		}
		deleted++
	}
	return deleted, nil
}

func (s *Service) listTargetFingerprints(ctx context.Context, fp schema.Fingerprint) ([]schema.Fingerprint, error) {
	if fp != "" {
		if !fp.Valid() {
			return nil, fmt.Errorf("invalid fingerprint %q", string(fp))
		}
		return []schema.Fingerprint{fp}, nil
	}
	fps, err := s.Store.Fingerprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fingerprints: %w", err)
	}
	return fps, nil
}

func (s *Service) refreshFingerprintGauge(ctx context.Context) {
	fps, err := s.Store.Fingerprints(ctx)
	if err != nil {
		return
	}
	observability.SetStoredFingerprints(len(fps))
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.PruneInterval <= 0 {
		s.Config.PruneInterval = time.Hour
	}
	if strings.TrimSpace(s.Config.ExportPrefix) == "" {
		s.Config.ExportPrefix = "pattern-exports"
	}
}

func writeLocalFile(path string, reader io.Reader) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	if _, err := io.Copy(file, reader); err != nil {
		return err
	}
	return nil
}
