// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

/*
Package nvmem implements persistent storage for the emulated TPM.

Storage is divided into user regions. Each region is held in memory and
atomically written to its own file when changes are committed. Commits can
be disabled, in which case changes accumulate in memory until commits are
enabled again.
*/
package nvmem

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/snapcore/snapd/osutil"
	"github.com/twpayne/go-vfs"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tpm2-fifo"
)

// Regions lists the user regions managed by a Store.
var Regions = []fifo.UserRegion{fifo.UserRegionTPM, fifo.UserRegionPlatform}

// MaxRegionSize is the maximum size of a user region.
const MaxRegionSize = 64 * 1024

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger fifo.Logger) Option {
	return func(s *Store) {
		s.log = logger.WithField("subsystem", "nvmem")
	}
}

// Store is persistent storage backed by a directory. It implements
// fifo.Storage and is safe to use from multiple goroutines.
type Store struct {
	fs  vfs.FS
	dir string
	log fifo.Logger

	mu       sync.Mutex
	regions  map[fifo.UserRegion][]byte
	dirty    map[fifo.UserRegion]bool
	disabled bool
}

// Open opens the storage in the specified directory, creating it if it
// doesn't exist.
func Open(fs vfs.FS, dir string, opts ...Option) (*Store, error) {
	s := &Store{
		fs:      fs,
		dir:     dir,
		log:     fifo.NewNullLogger(),
		regions: make(map[fifo.UserRegion][]byte),
		dirty:   make(map[fifo.UserRegion]bool)}
	for _, opt := range opts {
		opt(s)
	}

	if err := vfs.MkdirAll(fs, dir, 0700); err != nil {
		return nil, xerrors.Errorf("cannot create storage directory: %w", err)
	}

	for _, region := range Regions {
		data, err := fs.ReadFile(s.path(region))
		switch {
		case os.IsNotExist(err):
			continue
		case err != nil:
			return nil, xerrors.Errorf("cannot read %v region: %w", region, err)
		case len(data) > MaxRegionSize:
			return nil, xerrors.Errorf("%v region is too large (%d bytes)", region, len(data))
		}
		s.regions[region] = data
	}

	return s, nil
}

func (s *Store) path(region fifo.UserRegion) string {
	return filepath.Join(s.dir, region.String()+".nv")
}

// flush writes a region to its backing file. The caller must hold s.mu.
func (s *Store) flush(region fifo.UserRegion) error {
	path, err := s.fs.RawPath(s.path(region))
	if err != nil {
		return xerrors.Errorf("cannot resolve path for %v region: %w", region, err)
	}
	if err := osutil.AtomicWriteFile(path, s.regions[region], 0600, 0); err != nil {
		return xerrors.Errorf("cannot commit %v region: %w", region, err)
	}
	delete(s.dirty, region)
	s.log.Debugf("committed %v region (%d bytes)", region, len(s.regions[region]))
	return nil
}

// Read returns a copy of the current contents of the specified region,
// including uncommitted changes.
func (s *Store) Read(region fifo.UserRegion) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.regions[region]...)
}

// Write replaces the contents of the specified region. The change is
// written to the backing file immediately unless commits are disabled.
func (s *Store) Write(region fifo.UserRegion, data []byte) error {
	if len(data) > MaxRegionSize {
		return xerrors.Errorf("data too large for %v region (%d bytes)", region, len(data))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.regions[region] = append([]byte(nil), data...)
	s.dirty[region] = true
	if s.disabled {
		s.log.Debugf("deferring commit of %v region", region)
		return nil
	}
	return s.flush(region)
}

// EraseUserData implements [fifo.Storage.EraseUserData]. The region is
// erased from the backing store immediately, even if commits are disabled.
func (s *Store) EraseUserData(region fifo.UserRegion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.regions, region)
	delete(s.dirty, region)
	if err := s.fs.Remove(s.path(region)); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("cannot erase %v region: %w", region, err)
	}
	s.log.Infof("erased %v region", region)
	return nil
}

// EnableCommits implements [fifo.Storage.EnableCommits].
func (s *Store) EnableCommits() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disabled = false

	var result *multierror.Error
	for _, region := range Regions {
		if !s.dirty[region] {
			continue
		}
		if err := s.flush(region); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// DisableCommits implements [fifo.Storage.DisableCommits].
func (s *Store) DisableCommits() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disabled = true
}

// CommitsEnabled indicates whether changes are currently written to the
// backing store.
func (s *Store) CommitsEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.disabled
}

// Pending indicates whether the specified region has uncommitted changes.
func (s *Store) Pending(region fifo.UserRegion) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty[region]
}
