// Shared load-run plumbing for the full-load and delta-load commands.
package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/gowthamrao/spl-load/internal/acquisition"
	"github.com/gowthamrao/spl-load/internal/pipeline"
	"github.com/gowthamrao/spl-load/pkg/loader"
)

// runLoad opens the configured loader and drives one pipeline run. When
// sourceDir is empty the archives come from the acquisition client, else
// every zip under sourceDir is an input.
func runLoad(ctx context.Context, mode loader.Mode, sourceDir string) error {
	ldr, err := loader.New(cfg.DB)
	if err != nil {
		return &configError{err: err}
	}
	defer ldr.Close()

	var inputs []pipeline.Input
	if sourceDir != "" {
		if inputs, err = localInputs(sourceDir); err != nil {
			return err
		}
	} else {
		if inputs, err = acquireInputs(ctx, ldr); err != nil {
			return err
		}
	}
	if len(inputs) == 0 {
		log.Info("no archives to load")
		return nil
	}

	res, err := pipeline.New(cfg, ldr, log).Run(ctx, mode, inputs)
	if err != nil {
		return err
	}
	if res.DocumentsFailed > 0 {
		log.Warn("run succeeded with quarantined documents",
			zap.Int64("documents_failed", res.DocumentsFailed))
		partialRun = true
	}
	return nil
}

// localInputs enumerates the zip archives under dir, sorted by name.
func localInputs(dir string) ([]pipeline.Input, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.zip"))
	if err != nil {
		return nil, &configError{err: fmt.Errorf("scan %s: %w", dir, err)}
	}
	sort.Strings(matches)

	inputs := make([]pipeline.Input, 0, len(matches))
	for _, m := range matches {
		inputs = append(inputs, pipeline.Input{Name: filepath.Base(m), Path: m})
	}
	return inputs, nil
}

// acquireInputs lists the published archives, drops the already-processed
// ones, and downloads the rest.
func acquireInputs(ctx context.Context, ldr loader.Loader) ([]pipeline.Input, error) {
	processed, err := ldr.ProcessedArchives(ctx)
	if err != nil {
		return nil, err
	}

	client := acquisition.NewClient(cfg.SourceURL, cfg.DownloadPath, log)
	available, err := client.ListArchives(ctx)
	if err != nil {
		return nil, err
	}
	fresh := acquisition.SelectNew(available, processed)
	if len(fresh) == 0 {
		return nil, nil
	}

	downloads, err := client.FetchAll(ctx, fresh, cfg.WorkerCount)
	if err != nil {
		return nil, err
	}
	inputs := make([]pipeline.Input, 0, len(downloads))
	for _, d := range downloads {
		inputs = append(inputs, pipeline.Input{Name: d.Name, Path: d.Path, Checksum: d.SHA256})
	}
	return inputs, nil
}
