// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package passthrough

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/twpayne/go-vfs"
)

const (
	devPath   = "/dev"
	sysfsPath = "/sys"
)

var (
	// ErrNoTPMDevices indicates that there are no TPM devices.
	ErrNoTPMDevices = errors.New("no TPM devices are available")

	// ErrDefaultNotTPM2Device indicates that the default device is not a
	// TPM2 device.
	ErrDefaultNotTPM2Device = errors.New("the default TPM device is not a TPM2 device")
)

// HostDevice describes a TPM character device on the host.
type HostDevice struct {
	Path         string // path of the raw character device
	SysfsPath    string // path of the device in sysfs
	MajorVersion int    // 1 or 2
	Devno        int

	// RMPath is the path of the corresponding resource managed
	// device, or empty if there isn't one.
	RMPath string
}

func (d *HostDevice) String() string {
	return "linux TPM character device: " + d.Path
}

// PreferredPath returns the resource managed device path if there is one,
// and the raw device path otherwise.
func (d *HostDevice) PreferredPath() string {
	if d.RMPath != "" {
		return d.RMPath
	}
	return d.Path
}

func tpmDeviceVersion(fs vfs.FS, path string) (int, error) {
	data, err := fs.ReadFile(filepath.Join(path, "tpm_version_major"))
	switch {
	case os.IsNotExist(err):
		// Older kernels don't have this attribute. TPM1.2 devices have
		// always had the pcrs attribute.
		_, err := fs.Stat(filepath.Join(path, "pcrs"))
		switch {
		case os.IsNotExist(err):
			return 2, nil
		case err != nil:
			return 0, err
		default:
			return 1, nil
		}
	case err != nil:
		return 0, err
	}

	version, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, err
	}
	if version < 1 || version > 2 {
		return 0, fmt.Errorf("unexpected version %d", version)
	}
	return version, nil
}

// ListHostDevices returns every TPM device registered in sysfs, regardless of
// version, ordered by device number.
func ListHostDevices(fs vfs.FS) (out []*HostDevice, err error) {
	class := filepath.Join(sysfsPath, "class/tpm")

	entries, err := fs.ReadDir(class)
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, err
	}

	for _, entry := range entries {
		var devno int
		if _, err := fmt.Sscanf(entry.Name(), "tpm%d", &devno); err != nil {
			return nil, fmt.Errorf("unexpected name \"%s\": %w", entry.Name(), err)
		}

		path := filepath.Join(class, entry.Name())
		version, err := tpmDeviceVersion(fs, path)
		if err != nil {
			return nil, fmt.Errorf("cannot determine version of TPM device at %s: %w", path, err)
		}

		dev := &HostDevice{
			Path:         filepath.Join(devPath, entry.Name()),
			SysfsPath:    path,
			MajorVersion: version,
			Devno:        devno}

		// The kernel resource manager is only available for TPM2 devices.
		if version == 2 {
			rm := fmt.Sprintf("tpmrm%d", devno)
			switch _, err := fs.Stat(filepath.Join(path, "device/tpmrm", rm)); {
			case os.IsNotExist(err):
				// The kernel is probably too old.
			case err != nil:
				return nil, err
			default:
				dev.RMPath = filepath.Join(devPath, rm)
			}
		}

		out = append(out, dev)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Devno < out[j].Devno
	})
	return out, nil
}

// DefaultHostDevice returns the first TPM device, which must be a TPM2
// device.
func DefaultHostDevice(fs vfs.FS) (*HostDevice, error) {
	devices, err := ListHostDevices(fs)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNoTPMDevices
	}
	if devices[0].MajorVersion != 2 {
		return nil, ErrDefaultNotTPM2Device
	}
	return devices[0], nil
}
