// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/twpayne/go-vfs"
	"golang.org/x/xerrors"
)

// ImageCopy identifies which of the two copies of a firmware image is
// active.
type ImageCopy int

const (
	ImageCopyA ImageCopy = iota
	ImageCopyB
)

func (c ImageCopy) String() string {
	if c == ImageCopyB {
		return "B"
	}
	return "A"
}

func parseImageCopy(s string) (ImageCopy, error) {
	switch strings.ToUpper(s) {
	case "", "A":
		return ImageCopyA, nil
	case "B":
		return ImageCopyB, nil
	default:
		return 0, fmt.Errorf("invalid image copy %q", s)
	}
}

// VersionInfo describes the running firmware. It is used to build the
// string returned from the FW_VER register.
type VersionInfo struct {
	Chip      string
	Board     int
	ActiveRO  ImageCopy
	ROVersion string
	ActiveRW  ImageCopy
	RWVersion string
}

// String returns the version string in the form
// "<chip>:<board> RO_<A|B>:<version> RW_<A|B>:<version>". The result is
// truncated to leave room for a terminator in the FW_VER register.
func (v VersionInfo) String() string {
	s := fmt.Sprintf("%s:%d RO_%v:%s", v.Chip, v.Board, v.ActiveRO, v.ROVersion)
	if len(s) >= fwVersionSize-1 {
		return s[:fwVersionSize-1]
	}
	s += fmt.Sprintf(" RW_%v:%s", v.ActiveRW, v.RWVersion)
	if len(s) > fwVersionSize-1 {
		s = s[:fwVersionSize-1]
	}
	return s
}

// Keys recognized in an image info file.
const (
	imageInfoChip      = "CHIP_REVISION"
	imageInfoBoard     = "BOARD_VERSION"
	imageInfoActiveRO  = "ACTIVE_RO"
	imageInfoROVersion = "RO_VERSION"
	imageInfoActiveRW  = "ACTIVE_RW"
	imageInfoRWVersion = "RW_VERSION"
)

// LoadVersionInfo reads version information from an env-style image info
// file, eg:
//
//	CHIP_REVISION=B2-C
//	BOARD_VERSION=3
//	ACTIVE_RO=A
//	RO_VERSION=0.0.11
//	ACTIVE_RW=B
//	RW_VERSION=0.3.22/cr50_v1.9308
func LoadVersionInfo(fs vfs.FS, path string) (VersionInfo, error) {
	f, err := fs.Open(path)
	if err != nil {
		return VersionInfo{}, xerrors.Errorf("cannot open image info: %w", err)
	}
	defer f.Close()

	env, err := godotenv.Parse(f)
	if err != nil {
		return VersionInfo{}, xerrors.Errorf("cannot parse image info: %w", err)
	}

	info := VersionInfo{
		Chip:      env[imageInfoChip],
		ROVersion: env[imageInfoROVersion],
		RWVersion: env[imageInfoRWVersion]}

	if s, ok := env[imageInfoBoard]; ok {
		info.Board, err = strconv.Atoi(s)
		if err != nil {
			return VersionInfo{}, xerrors.Errorf("invalid %s: %w", imageInfoBoard, err)
		}
	}
	if info.ActiveRO, err = parseImageCopy(env[imageInfoActiveRO]); err != nil {
		return VersionInfo{}, xerrors.Errorf("invalid %s: %w", imageInfoActiveRO, err)
	}
	if info.ActiveRW, err = parseImageCopy(env[imageInfoActiveRW]); err != nil {
		return VersionInfo{}, xerrors.Errorf("invalid %s: %w", imageInfoActiveRW, err)
	}

	return info, nil
}

// setVersionString rebuilds the FW_VER register contents. The caller must
// hold d.mu.
func (d *Device) setVersionString() {
	s := d.versionInfo().String()
	clear(d.regs.fwVer[:])
	copy(d.regs.fwVer[:fwVersionSize-1], s)
	d.regs.fwVerIndex = 0
}

// VersionString returns the string currently exposed through the FW_VER
// register.
func (d *Device) VersionString() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	b := d.regs.fwVer[:]
	if i := strings.IndexByte(string(b), 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
