// Package runlayout resolves the on-disk working directories of one ETL run.
// Everything a run writes lives under <scratch_root>/runs/<run_id>/ so a
// crashed run leaves one self-contained directory to inspect or remove.
package runlayout

import (
	"fmt"
	"os"
	"path/filepath"
)

// Well-known names under a run directory.
const (
	runsDirName       = "runs"
	stagingDirName    = "staging"
	quarantineDirName = "quarantine"
	manifestFileName  = "manifest.json"
)

// Layout is the directory layout of a single run.
type Layout struct {
	root  string
	runID int64

	// quarantineOverride, when set, redirects quarantined documents outside
	// the run directory so they survive scratch cleanup.
	quarantineOverride string
}

// New creates the run directory tree under root and returns its layout.
func New(root string, runID int64, quarantineOverride string) (*Layout, error) {
	l := &Layout{root: root, runID: runID, quarantineOverride: quarantineOverride}
	for _, dir := range []string{l.RunDir(), l.StagingDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("runlayout: create %s: %w", dir, err)
		}
	}
	return l, nil
}

// RunDir is the root of this run's scratch space.
func (l *Layout) RunDir() string {
	return filepath.Join(l.root, runsDirName, fmt.Sprintf("%d", l.runID))
}

// StagingDir holds the intermediate chunk files of the current batch.
func (l *Layout) StagingDir() string {
	return filepath.Join(l.RunDir(), stagingDirName)
}

// ResetStaging empties the staging directory between batches.
func (l *Layout) ResetStaging() error {
	dir := l.StagingDir()
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("runlayout: reset staging: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("runlayout: reset staging: %w", err)
	}
	return nil
}

// QuarantineDir returns (and creates) the quarantine directory for one
// archive's malformed documents.
func (l *Layout) QuarantineDir(archive string) (string, error) {
	base := l.quarantineOverride
	if base == "" {
		base = filepath.Join(l.RunDir(), quarantineDirName)
	}
	dir := filepath.Join(base, archive)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("runlayout: create quarantine %s: %w", dir, err)
	}
	return dir, nil
}

// ManifestPath is where the run manifest is written.
func (l *Layout) ManifestPath() string {
	return filepath.Join(l.RunDir(), manifestFileName)
}

// Remove deletes the whole run directory. Called only after a successful
// run; failed runs keep their scratch space for inspection.
func (l *Layout) Remove() error {
	return os.RemoveAll(l.RunDir())
}
