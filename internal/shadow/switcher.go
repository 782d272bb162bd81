// Package shadow manages out-of-band index builds: a new artifact is built
// beside the active one and promoted with a filesystem-atomic switch inside
// a short resource-type lock window.
package shadow

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/ramus-io/ramus/internal/model"
)

// SwitchInput carries the paths and checks for one switch attempt.
type SwitchInput struct {
	CurrentPath   string
	ShadowPath    string
	RecordCount   int64
	Strategy      model.SwitchStrategy
	BackupCurrent bool
	ForceSwitch   bool
	Timeout       time.Duration
}

// Switcher performs the promote step. All methods operate on the local
// filesystem; cross-volume moves must use COPY_AND_REPLACE.
type Switcher struct {
	logger *slog.Logger
}

// NewSwitcher builds a switcher.
func NewSwitcher(logger *slog.Logger) *Switcher {
	return &Switcher{logger: logger}
}

// Switch runs the four-step promote: validate, backup, rename, verify. On
// any failure after the backup it rolls the backup into place and reports
// the errors in the result. The error return is reserved for context
// cancellation; domain failures live in the result.
func (s *Switcher) Switch(ctx context.Context, in SwitchInput) (model.SwitchResult, error) {
	if in.Timeout <= 0 {
		in.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, in.Timeout)
	defer cancel()

	start := time.Now()
	res := model.SwitchResult{OldPath: in.CurrentPath, NewPath: in.CurrentPath}

	finish := func() model.SwitchResult {
		res.SwitchDurationMS = time.Since(start).Milliseconds()
		return res
	}

	// Step 1: pre-switch validation.
	shadowInfo, err := os.Stat(in.ShadowPath)
	if err != nil {
		res.ValidationErrors = append(res.ValidationErrors, fmt.Sprintf("shadow artifact missing: %v", err))
		return finish(), nil
	}
	if !in.ForceSwitch {
		if in.RecordCount < 1 {
			res.ValidationErrors = append(res.ValidationErrors,
				fmt.Sprintf("record count %d below minimum 1 (use force_switch to override)", in.RecordCount))
		}
		if size := artifactSize(in.ShadowPath, shadowInfo); size == 0 {
			res.ValidationErrors = append(res.ValidationErrors, "shadow artifact is empty")
		}
	}
	if len(res.ValidationErrors) > 0 {
		return finish(), nil
	}
	if err := ctx.Err(); err != nil {
		return finish(), err
	}

	// Step 2: backup the current artifact.
	var backupPath string
	if in.BackupCurrent {
		if _, err := os.Stat(in.CurrentPath); err == nil {
			backupPath = fmt.Sprintf("%s.backup-%s", in.CurrentPath, start.UTC().Format("20060102T150405"))
			if err := os.Rename(in.CurrentPath, backupPath); err != nil {
				res.ValidationErrors = append(res.ValidationErrors, fmt.Sprintf("backup failed: %v", err))
				return finish(), nil
			}
			res.BackupPath = backupPath
		}
	}
	if err := ctx.Err(); err != nil {
		s.rollback(backupPath, in.CurrentPath, &res)
		return finish(), err
	}

	// Step 3: promote. Size is captured first; the shadow path is gone after
	// a rename.
	wantSize := artifactSize(in.ShadowPath, shadowInfo)
	switch in.Strategy {
	case model.SwitchCopyAndReplace:
		err = copyArtifact(in.ShadowPath, in.CurrentPath)
		if err == nil {
			err = os.RemoveAll(in.ShadowPath)
		}
	default: // ATOMIC_RENAME
		err = os.Rename(in.ShadowPath, in.CurrentPath)
	}
	if err != nil {
		res.VerificationErrors = append(res.VerificationErrors, fmt.Sprintf("promote failed: %v", err))
		s.rollback(backupPath, in.CurrentPath, &res)
		return finish(), nil
	}

	// Step 4: post-switch verification.
	currentInfo, err := os.Stat(in.CurrentPath)
	if err != nil {
		res.VerificationErrors = append(res.VerificationErrors, fmt.Sprintf("promoted artifact missing: %v", err))
		s.rollback(backupPath, in.CurrentPath, &res)
		return finish(), nil
	}
	if gotSize := artifactSize(in.CurrentPath, currentInfo); wantSize > 0 && gotSize != wantSize {
		res.VerificationErrors = append(res.VerificationErrors,
			fmt.Sprintf("promoted artifact size %d does not match shadow size %d", gotSize, wantSize))
		s.rollback(backupPath, in.CurrentPath, &res)
		return finish(), nil
	}

	res.Success = true
	return finish(), nil
}

// rollback moves the backup into place after a failed promote.
func (s *Switcher) rollback(backupPath, currentPath string, res *model.SwitchResult) {
	if backupPath == "" {
		return
	}
	_ = os.RemoveAll(currentPath)
	if err := os.Rename(backupPath, currentPath); err != nil {
		res.VerificationErrors = append(res.VerificationErrors, fmt.Sprintf("rollback failed: %v", err))
		s.logger.Error("switch rollback failed", "backup", backupPath, "current", currentPath, "error", err)
		return
	}
	res.BackupPath = ""
	s.logger.Warn("switch rolled back", "current", currentPath)
}

// pruneBackups removes backup artifacts beside currentPath, keeping the
// newest keep of them. Backup names embed the switch timestamp, so a string
// sort is chronological.
func pruneBackups(currentPath string, keep int) (int, error) {
	if currentPath == "" {
		return 0, nil
	}
	matches, err := filepath.Glob(currentPath + ".backup-*")
	if err != nil {
		return 0, err
	}
	if len(matches) <= keep {
		return 0, nil
	}
	slices.Sort(matches)
	removed := 0
	for _, p := range matches[:len(matches)-keep] {
		if err := os.RemoveAll(p); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// artifactSize totals a file or directory tree. info is the stat of path.
func artifactSize(path string, info fs.FileInfo) int64 {
	if !info.IsDir() {
		return info.Size()
	}
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil //nolint:nilerr // size is advisory; skip unreadable entries
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

func copyArtifact(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	// Stage into a sibling and rename so a crash mid-copy never leaves a
	// half-written current artifact.
	staging := dst + ".staging"
	if err := os.RemoveAll(staging); err != nil {
		return err
	}
	if info.IsDir() {
		err = copyTree(src, staging)
	} else {
		err = copyFile(src, staging, info.Mode())
	}
	if err != nil {
		_ = os.RemoveAll(staging)
		return err
	}
	if err := os.RemoveAll(dst); err != nil {
		_ = os.RemoveAll(staging)
		return err
	}
	return os.Rename(staging, dst)
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
