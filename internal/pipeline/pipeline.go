// Package pipeline orchestrates a load run end to end: recover stale state,
// open a run, extract archives, fan parse+transform out over a worker pool,
// stage intermediate files, and hand them to the loader for atomic
// publication.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gowthamrao/spl-load/internal/archive"
	"github.com/gowthamrao/spl-load/internal/intermediate"
	"github.com/gowthamrao/spl-load/internal/parser"
	"github.com/gowthamrao/spl-load/internal/runlayout"
	"github.com/gowthamrao/spl-load/internal/transform"
	"github.com/gowthamrao/spl-load/pkg/loader"
	"github.com/gowthamrao/spl-load/pkg/types"
)

// Input is one archive queued for processing: a zip on local disk plus its
// ledger checksum.
type Input struct {
	Name     string
	Path     string
	Checksum string // hex SHA-256; computed from the file when empty
}

// ArchiveResult is the outcome of one archive within a run.
type ArchiveResult struct {
	Archive            string           `json:"archive"`
	Checksum           string           `json:"checksum"`
	DocumentsProcessed int64            `json:"documents_processed"`
	DocumentsFailed    int64            `json:"documents_failed"`
	Skipped            bool             `json:"skipped,omitempty"`
	RowCounts          map[string]int64 `json:"row_counts,omitempty"`
}

// Result summarizes a finished run.
type Result struct {
	RunID           int64            `json:"run_id"`
	Mode            loader.Mode      `json:"mode"`
	Status          loader.RunStatus `json:"status"`
	Archives        []ArchiveResult  `json:"archives"`
	RecordsLoaded   int64            `json:"records_loaded"`
	DocumentsFailed int64            `json:"documents_failed"`
}

// Pipeline wires the stages together for one or more runs against a single
// loader.
type Pipeline struct {
	cfg types.Config
	ldr loader.Loader
	log *zap.Logger
}

func New(cfg types.Config, ldr loader.Loader, log *zap.Logger) *Pipeline {
	return &Pipeline{cfg: cfg, ldr: ldr, log: log}
}

// Run executes one load run over the given archives. The returned Result is
// non-nil whenever a run was opened, even on failure, so callers can report
// partial progress.
func (p *Pipeline) Run(ctx context.Context, mode loader.Mode, inputs []Input) (*Result, error) {
	repaired, err := p.ldr.RecoverStaleRuns(ctx, p.cfg.StaleRunAfter)
	if err != nil {
		return nil, err
	}
	if repaired > 0 {
		p.log.Warn("repaired stale runs", zap.Int64("count", repaired))
	}

	runID, err := p.ldr.StartRun(ctx, mode)
	if err != nil {
		return nil, err
	}
	res := &Result{RunID: runID, Mode: mode, Status: loader.StatusFailed}
	p.log.Info("run started",
		zap.Int64("run_id", runID), zap.String("mode", string(mode)))

	layout, err := runlayout.New(p.cfg.ScratchRoot, runID, p.cfg.QuarantinePath)
	if err != nil {
		return res, p.fail(ctx, res, err)
	}

	if err := p.execute(ctx, mode, inputs, layout, res); err != nil {
		return res, p.fail(ctx, res, err)
	}

	if err := p.ldr.PostLoadCleanup(ctx, mode); err != nil {
		// Cleanup is advisory; the data is already published.
		p.log.Warn("post-load cleanup failed", zap.Error(err))
	}
	res.Status = loader.StatusSuccess
	if err := writeManifest(layout.ManifestPath(), res); err != nil {
		p.log.Warn("manifest write failed", zap.Error(err))
	}
	if err := p.ldr.EndRun(ctx, runID, loader.StatusSuccess, res.RecordsLoaded, ""); err != nil {
		p.log.Warn("end run failed", zap.Error(err))
	}
	// Intermediate files are only kept for post-mortems.
	if err := layout.ResetStaging(); err != nil {
		p.log.Warn("staging cleanup failed", zap.Error(err))
	}
	p.log.Info("run finished",
		zap.Int64("run_id", runID),
		zap.Int64("records_loaded", res.RecordsLoaded),
		zap.Int64("documents_failed", res.DocumentsFailed))
	return res, nil
}

// fail closes the run as FAILED and preserves the scratch directory.
func (p *Pipeline) fail(ctx context.Context, res *Result, cause error) error {
	res.Status = loader.StatusFailed
	// The run row should close even when the causing error came from a
	// canceled context.
	endCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		endCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := p.ldr.EndRun(endCtx, res.RunID, loader.StatusFailed, res.RecordsLoaded, cause.Error()); err != nil {
		p.log.Warn("end run failed", zap.Error(err))
	}
	p.log.Error("run failed", zap.Int64("run_id", res.RunID), zap.Error(cause))
	return cause
}

func (p *Pipeline) execute(ctx context.Context, mode loader.Mode, inputs []Input, layout *runlayout.Layout, res *Result) error {
	processed, err := p.ldr.ProcessedArchives(ctx)
	if err != nil {
		return err
	}

	pending := make([]Input, 0, len(inputs))
	for _, in := range inputs {
		if in.Checksum == "" {
			sum, err := archive.SHA256File(in.Path)
			if err != nil {
				return err
			}
			in.Checksum = sum
		}
		if prev, done := processed[in.Name]; done && prev == in.Checksum {
			p.log.Info("archive already processed, skipping",
				zap.String("archive", in.Name))
			res.Archives = append(res.Archives, ArchiveResult{
				Archive: in.Name, Checksum: in.Checksum, Skipped: true,
			})
			continue
		}
		pending = append(pending, in)
	}
	if len(pending) == 0 {
		p.log.Info("nothing to load")
		return nil
	}

	// FULL replaces everything at once; DELTA amortizes merges over
	// configurable batches.
	batchSize := len(pending)
	if mode == loader.ModeDelta {
		batchSize = p.cfg.Delta.BatchArchives
	}

	seen := newDocumentSet()
	for start := 0; start < len(pending); start += batchSize {
		end := min(start+batchSize, len(pending))
		if err := p.runBatch(ctx, mode, pending[start:end], start == 0, layout, seen, res); err != nil {
			return err
		}
	}
	return nil
}

// runBatch stages one group of archives and publishes it in a single merge.
func (p *Pipeline) runBatch(ctx context.Context, mode loader.Mode, batch []Input, first bool, layout *runlayout.Layout, seen *documentSet, res *Result) error {
	if err := layout.ResetStaging(); err != nil {
		return err
	}
	writer, err := intermediate.New(p.cfg.IntermediateFormat, layout.StagingDir(), intermediate.Options{
		ChunkSize:  p.cfg.ChunkSize,
		ChunkBytes: p.cfg.ChunkBytes,
	})
	if err != nil {
		return err
	}

	var ledger []loader.ProcessedArchive
	for _, in := range batch {
		ar, err := p.processArchive(ctx, in, layout, seen, writer)
		if err != nil {
			_ = writer.Close()
			return err
		}
		res.Archives = append(res.Archives, *ar)
		res.DocumentsFailed += ar.DocumentsFailed
		ledger = append(ledger, loader.ProcessedArchive{Name: in.Name, Checksum: in.Checksum})
	}

	if err := writer.Close(); err != nil {
		return err
	}
	stats := writer.Stats()
	transformed := stats.Total()

	if first {
		if err := p.ldr.PreLoadOptimization(ctx, mode); err != nil {
			return err
		}
	}
	staged, err := p.ldr.BulkLoadToStaging(ctx, layout.StagingDir())
	if err != nil {
		return err
	}
	if staged != transformed {
		return &types.IntegrityError{Detail: fmt.Sprintf(
			"staged %d rows but transformation produced %d", staged, transformed)}
	}
	if err := p.ldr.MergeFromStaging(ctx, mode, ledger); err != nil {
		return err
	}
	res.RecordsLoaded += staged
	p.log.Info("batch published",
		zap.Int("archives", len(batch)), zap.Int64("rows", staged))
	return nil
}

// processArchive extracts one zip and runs its XML files through the worker
// pool. Malformed documents are quarantined and counted, not fatal.
func (p *Pipeline) processArchive(ctx context.Context, in Input, layout *runlayout.Layout, seen *documentSet, writer intermediate.Writer) (*ArchiveResult, error) {
	p.log.Info("processing archive", zap.String("archive", in.Name))
	extractDir := filepath.Join(layout.RunDir(), "extract", in.Name)
	files, err := archive.Extract(in.Path, extractDir)
	if err != nil {
		return nil, &types.AcquisitionError{Archive: in.Name, Err: err}
	}
	defer os.RemoveAll(extractDir)

	ar := &ArchiveResult{Archive: in.Name, Checksum: in.Checksum}
	before := writer.Stats()
	var mu sync.Mutex // guards ar counters

	workers := p.cfg.WorkerCount
	if workers <= 0 {
		workers = defaultWorkers()
	}
	// The bounded queue is the backpressure mechanism: feeders stall when
	// workers are behind the writer.
	queue := make(chan string, 2*workers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		for _, f := range files {
			select {
			case queue <- f:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	prs := parser.New(p.log)
	for range workers {
		g.Go(func() error {
			for path := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				failed, err := p.processFile(prs, path, in.Name, layout, seen, writer)
				if err != nil {
					return err
				}
				mu.Lock()
				if failed {
					ar.DocumentsFailed++
				} else {
					ar.DocumentsProcessed++
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	ar.RowCounts = statsDelta(before, writer.Stats())
	p.log.Info("archive parsed",
		zap.String("archive", in.Name),
		zap.Int64("documents", ar.DocumentsProcessed),
		zap.Int64("failed", ar.DocumentsFailed))
	return ar, nil
}

// processFile runs one XML file through parse and transform. The returned
// bool reports whether the file was quarantined.
func (p *Pipeline) processFile(prs *parser.Parser, path, archiveName string, layout *runlayout.Layout, seen *documentSet, writer intermediate.Writer) (bool, error) {
	doc, err := prs.Parse(path)
	if err != nil {
		if types.IsMalformed(err) {
			p.log.Warn("malformed document quarantined",
				zap.String("file", path), zap.Error(err))
			return true, p.quarantine(path, archiveName, layout)
		}
		return false, err
	}

	// Two files claiming one document_id is a conflict; the first wins and
	// the second is quarantined.
	if !seen.add(doc.DocumentID) {
		p.log.Warn("duplicate document_id quarantined",
			zap.String("file", path), zap.String("document_id", doc.DocumentID))
		return true, p.quarantine(path, archiveName, layout)
	}

	batches, err := transform.Transform(doc)
	if err != nil {
		return false, err
	}
	return false, writer.Append(batches)
}

func (p *Pipeline) quarantine(path, archiveName string, layout *runlayout.Layout) error {
	dir, err := layout.QuarantineDir(archiveName)
	if err != nil {
		return err
	}
	return moveFile(path, filepath.Join(dir, filepath.Base(path)))
}

// moveFile renames, falling back to copy+remove across filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

// documentSet tracks document ids seen in the current run.
type documentSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newDocumentSet() *documentSet {
	return &documentSet{ids: make(map[string]struct{})}
}

// add reports whether id was new.
func (s *documentSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ids[id]; dup {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// statsDelta subtracts two writer snapshots to get per-archive row counts.
func statsDelta(before, after intermediate.Stats) map[string]int64 {
	out := make(map[string]int64, len(after))
	for table, n := range after {
		if d := n - before[table]; d > 0 {
			out[table] = d
		}
	}
	return out
}

func defaultWorkers() int {
	return runtime.NumCPU()
}
