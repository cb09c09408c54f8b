package dr

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vigil/internal/errors"
)

// Backup identifies one stored snapshot of a component's data.
type Backup struct {
	Component string    `json:"component"`
	ID        string    `json:"id"`
	At        time.Time `json:"at"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
}

// Age reports how far the snapshot lags behind now.
func (b Backup) Age(now time.Time) time.Duration { return now.Sub(b.At) }

// BackupProvider answers the backup-validation probes.
type BackupProvider interface {
	// Latest returns the newest backup for the component, or a NotFound
	// error when none exists.
	Latest(ctx context.Context, component string) (Backup, error)
	// VerifyIntegrity recomputes the backup checksum against the stored one.
	VerifyIntegrity(ctx context.Context, b Backup) error
	// VerifyCompleteness checks the backup is fully present and readable.
	VerifyCompleteness(ctx context.Context, b Backup) error
}

// FailoverRunner switches a component over to its standby.
type FailoverRunner interface {
	PreCheck(ctx context.Context, component string) error
	Failover(ctx context.Context, component string, dryRun bool) error
	PostCheck(ctx context.Context, component string) error
}

// RecoveryRunner restores a component from a backup.
type RecoveryRunner interface {
	Recover(ctx context.Context, component string, from Backup, dryRun bool) error
	VerifyData(ctx context.Context, component string) error
}

const (
	snapshotSuffix = ".snap"
	checksumSuffix = ".sha256"
)

// SnapshotStore is the filesystem BackupProvider: one directory per
// component, snapshots named by their unix-nano capture time, each with
// a sha256 sidecar written before the snapshot becomes visible.
type SnapshotStore struct {
	root string
	now  func() time.Time
}

// NewSnapshotStore roots a snapshot tree at dir.
func NewSnapshotStore(dir string) *SnapshotStore {
	return &SnapshotStore{root: dir, now: time.Now}
}

// Snapshot stores the reader's contents as the component's newest backup.
func (s *SnapshotStore) Snapshot(ctx context.Context, component string, r io.Reader) (Backup, error) {
	if component == "" {
		return Backup{}, errors.Validation("snapshot: component required")
	}
	dir := filepath.Join(s.root, component)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Backup{}, errors.Wrap(errors.KindFatal, err, "create backup dir %s", dir)
	}
	at := s.now().UTC()
	id := strconv.FormatInt(at.UnixNano(), 10) + snapshotSuffix
	path := filepath.Join(dir, id)

	tmp, err := os.CreateTemp(dir, "incoming-*")
	if err != nil {
		return Backup{}, errors.Wrap(errors.KindFatal, err, "create snapshot %s", path)
	}
	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return Backup{}, errors.Wrap(errors.KindFatal, err, "write snapshot %s", path)
	}
	sum := hex.EncodeToString(hash.Sum(nil))
	if err := os.WriteFile(path+checksumSuffix, []byte(sum), 0o644); err != nil {
		os.Remove(tmp.Name())
		return Backup{}, errors.Wrap(errors.KindFatal, err, "write checksum for %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return Backup{}, errors.Wrap(errors.KindFatal, err, "publish snapshot %s", path)
	}
	return Backup{Component: component, ID: id, At: at, Size: size, Checksum: sum}, nil
}

// Latest picks the newest snapshot by its timestamp name.
func (s *SnapshotStore) Latest(ctx context.Context, component string) (Backup, error) {
	dir := filepath.Join(s.root, component)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Backup{}, errors.NotFound("no backups for component %s", component)
		}
		return Backup{}, errors.Wrap(errors.KindFatal, err, "read backup dir %s", dir)
	}

	var newest Backup
	newestTS := int64(-1)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSuffix(name, snapshotSuffix), 10, 64)
		if err != nil || ts <= newestTS {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		newestTS = ts
		newest = Backup{
			Component: component,
			ID:        name,
			At:        time.Unix(0, ts).UTC(),
			Size:      info.Size(),
		}
	}
	if newestTS < 0 {
		return Backup{}, errors.NotFound("no backups for component %s", component)
	}

	sum, err := os.ReadFile(filepath.Join(dir, newest.ID+checksumSuffix))
	if err != nil {
		return Backup{}, errors.Wrap(errors.KindFatal, err, "read checksum for %s", newest.ID)
	}
	newest.Checksum = strings.TrimSpace(string(sum))
	return newest, nil
}

// VerifyIntegrity rehashes the snapshot and compares against the sidecar sum.
func (s *SnapshotStore) VerifyIntegrity(ctx context.Context, b Backup) error {
	f, err := os.Open(s.path(b))
	if err != nil {
		return errors.Wrap(errors.KindFatal, err, "open backup %s", b.ID)
	}
	defer f.Close()
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return errors.Wrap(errors.KindFatal, err, "hash backup %s", b.ID)
	}
	if sum := hex.EncodeToString(hash.Sum(nil)); sum != b.Checksum {
		return errors.Fatal("backup %s checksum mismatch: stored %s, computed %s",
			b.ID, shortSum(b.Checksum), shortSum(sum))
	}
	return nil
}

// VerifyCompleteness re-stats the snapshot: it must still hold the
// recorded size and contain at least one byte.
func (s *SnapshotStore) VerifyCompleteness(ctx context.Context, b Backup) error {
	info, err := os.Stat(s.path(b))
	if err != nil {
		return errors.Wrap(errors.KindFatal, err, "stat backup %s", b.ID)
	}
	if info.Size() == 0 {
		return errors.Fatal("backup %s is empty", b.ID)
	}
	if info.Size() != b.Size {
		return errors.Fatal("backup %s truncated: recorded %d bytes, found %d", b.ID, b.Size, info.Size())
	}
	return nil
}

func (s *SnapshotStore) path(b Backup) string {
	return filepath.Join(s.root, b.Component, b.ID)
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}

var _ BackupProvider = (*SnapshotStore)(nil)

// Simulator stands in for FailoverRunner and RecoveryRunner when no
// component-specific runner is wired. Dry runs pass after the optional
// latency; live runs are refused.
type Simulator struct {
	Latency time.Duration
}

func (s Simulator) PreCheck(ctx context.Context, component string) error {
	return s.pause(ctx)
}

func (s Simulator) Failover(ctx context.Context, component string, dryRun bool) error {
	if !dryRun {
		return errors.Validation("live failover for %s needs a dedicated runner", component)
	}
	return s.pause(ctx)
}

func (s Simulator) PostCheck(ctx context.Context, component string) error {
	return s.pause(ctx)
}

func (s Simulator) Recover(ctx context.Context, component string, from Backup, dryRun bool) error {
	if !dryRun {
		return errors.Validation("live recovery for %s needs a dedicated runner", component)
	}
	return s.pause(ctx)
}

func (s Simulator) VerifyData(ctx context.Context, component string) error {
	return s.pause(ctx)
}

func (s Simulator) pause(ctx context.Context) error {
	if s.Latency <= 0 {
		return nil
	}
	t := time.NewTimer(s.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errors.Cancelled("simulated step interrupted: %v", ctx.Err())
	}
}

var (
	_ FailoverRunner = Simulator{}
	_ RecoveryRunner = Simulator{}
)
