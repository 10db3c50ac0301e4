// Package tasklog stores per-ticket audit logs. A ticket writes to
// logs/<tracker>.txt while it runs; finalization renames the file into
// log_archive/, and full archives are packed into dated tarballs.
package tasklog

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	activeDir  = "logs"
	archiveDir = "log_archive"
	logExt     = ".txt"
)

// DefaultRotateThreshold is the number of archived logs that triggers packing.
const DefaultRotateThreshold = 50

// ErrNotActive means the tracker has no log in the active directory, either
// because it never existed or because it has already been archived.
var ErrNotActive = errors.New("no active log for tracker")

// Entry is one log file.
type Entry struct {
	Tracker string
	Path    string
}

// Store manages the active and archive directories under a root.
type Store struct {
	root      string
	threshold int
	now       func() time.Time
}

// NewStore creates a store rooted at dir. threshold <= 0 uses the default.
func NewStore(dir string, threshold int) *Store {
	if threshold <= 0 {
		threshold = DefaultRotateThreshold
	}
	return &Store{root: dir, threshold: threshold, now: time.Now}
}

// EnsureDirs creates the active and archive directories.
func (s *Store) EnsureDirs() error {
	for _, d := range []string{s.activeDir(), s.archiveDir()} {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return nil
}

func (s *Store) activeDir() string  { return filepath.Join(s.root, activeDir) }
func (s *Store) archiveDir() string { return filepath.Join(s.root, archiveDir) }

// ActivePath returns the path of a running ticket's log.
func (s *Store) ActivePath(tracker string) string {
	return filepath.Join(s.activeDir(), tracker+logExt)
}

// ArchivePath returns the path of a finalized ticket's log.
func (s *Store) ArchivePath(tracker string) string {
	return filepath.Join(s.archiveDir(), tracker+logExt)
}

// IsActive reports whether the tracker's log is still in the active directory.
func (s *Store) IsActive(tracker string) bool {
	_, err := os.Stat(s.ActivePath(tracker))
	return err == nil
}

// Archive moves the tracker's log into the archive. The rename is the claim
// on finalization: exactly one caller succeeds, later callers get ErrNotActive.
func (s *Store) Archive(tracker string) (string, error) {
	if err := s.EnsureDirs(); err != nil {
		return "", err
	}
	dst := s.ArchivePath(tracker)
	if err := os.Rename(s.ActivePath(tracker), dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrNotActive, tracker)
		}
		return "", fmt.Errorf("archiving %s: %w", tracker, err)
	}
	return dst, nil
}

// ListActive returns the logs of running tickets sorted by tracker.
func (s *Store) ListActive() ([]Entry, error) {
	return s.list(s.activeDir())
}

func (s *Store) list(dir string) ([]Entry, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	var entries []Entry
	for _, de := range des {
		if de.IsDir() || !strings.HasSuffix(de.Name(), logExt) {
			continue
		}
		entries = append(entries, Entry{
			Tracker: strings.TrimSuffix(de.Name(), logExt),
			Path:    filepath.Join(dir, de.Name()),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Tracker < entries[j].Tracker })
	return entries, nil
}

// Rotate packs the archived logs into log_archive_<date>.tar.gz and removes
// them once the archive holds at least the threshold. It returns the tarball
// path and the number of logs packed; an empty path means nothing was done.
func (s *Store) Rotate() (string, int, error) {
	if err := s.EnsureDirs(); err != nil {
		return "", 0, err
	}
	entries, err := s.list(s.archiveDir())
	if err != nil {
		return "", 0, err
	}
	if len(entries) < s.threshold {
		return "", 0, nil
	}

	name := s.tarballName()
	tmp, err := os.CreateTemp(s.archiveDir(), ".rotate-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating tarball: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeTarball(tmp, entries); err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("closing tarball: %w", err)
	}
	if err := os.Rename(tmp.Name(), name); err != nil {
		return "", 0, fmt.Errorf("publishing tarball: %w", err)
	}

	for _, e := range entries {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return name, len(entries), fmt.Errorf("removing %s: %w", e.Path, err)
		}
	}
	return name, len(entries), nil
}

// tarballName picks a dated name that does not overwrite an earlier rotation.
func (s *Store) tarballName() string {
	now := s.now()
	base := filepath.Join(s.archiveDir(), "log_archive_"+now.Format("2006-01-02"))
	name := base + ".tar.gz"
	if _, err := os.Stat(name); err == nil {
		name = base + "_" + now.Format("15-04-05") + ".tar.gz"
	}
	return name
}

func writeTarball(w io.Writer, entries []Entry) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		if err := addFile(tw, e.Path); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("tar header for %s: %w", path, err)
	}
	hdr.Name = filepath.Join(archiveDir, info.Name())
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing header for %s: %w", path, err)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
