// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package passthrough_test

import (
	"github.com/twpayne/go-vfs/vfst"
	. "gopkg.in/check.v1"

	"github.com/canonical/go-tpm2-fifo/internal/testutil"
	. "github.com/canonical/go-tpm2-fifo/passthrough"
)

type discoverSuite struct {
	testutil.BaseTest
}

var _ = Suite(&discoverSuite{})

func (s *discoverSuite) newFS(c *C, root interface{}) *vfst.TestFS {
	fs, cleanup, err := vfst.NewTestFS(root)
	c.Assert(err, IsNil)
	s.AddCleanup(cleanup)
	return fs
}

func (s *discoverSuite) TestListTPM2(c *C) {
	fs := s.newFS(c, map[string]interface{}{
		"/sys/class/tpm/tpm0": map[string]interface{}{
			"tpm_version_major":   "2\n",
			"device/tpmrm/tpmrm0": &vfst.Dir{Perm: 0755},
		},
	})

	devices, err := ListHostDevices(fs)
	c.Check(err, IsNil)
	c.Check(devices, DeepEquals, []*HostDevice{{
		Path:         "/dev/tpm0",
		SysfsPath:    "/sys/class/tpm/tpm0",
		MajorVersion: 2,
		Devno:        0,
		RMPath:       "/dev/tpmrm0"}})
	c.Check(devices[0].PreferredPath(), Equals, "/dev/tpmrm0")
	c.Check(devices[0].String(), Equals, "linux TPM character device: /dev/tpm0")
}

func (s *discoverSuite) TestListTPM2OldKernel(c *C) {
	fs := s.newFS(c, map[string]interface{}{
		"/sys/class/tpm/tpm0/uevent": "",
	})

	devices, err := ListHostDevices(fs)
	c.Check(err, IsNil)
	c.Assert(devices, HasLen, 1)
	c.Check(devices[0].MajorVersion, Equals, 2)
	c.Check(devices[0].RMPath, Equals, "")
	c.Check(devices[0].PreferredPath(), Equals, "/dev/tpm0")
}

func (s *discoverSuite) TestListTPM1OldKernel(c *C) {
	fs := s.newFS(c, map[string]interface{}{
		"/sys/class/tpm/tpm0/pcrs": "",
	})

	devices, err := ListHostDevices(fs)
	c.Check(err, IsNil)
	c.Assert(devices, HasLen, 1)
	c.Check(devices[0].MajorVersion, Equals, 1)
}

func (s *discoverSuite) TestListNoDevices(c *C) {
	fs := s.newFS(c, map[string]interface{}{"/sys": &vfst.Dir{Perm: 0755}})

	devices, err := ListHostDevices(fs)
	c.Check(err, IsNil)
	c.Check(devices, HasLen, 0)

	_, err = DefaultHostDevice(fs)
	c.Check(err, Equals, ErrNoTPMDevices)
}

func (s *discoverSuite) TestListMixed(c *C) {
	fs := s.newFS(c, map[string]interface{}{
		"/sys/class/tpm": map[string]interface{}{
			"tpm1/tpm_version_major":   "2\n",
			"tpm1/device/tpmrm/tpmrm1": &vfst.Dir{Perm: 0755},
			"tpm0/tpm_version_major":   "1\n",
		},
	})

	devices, err := ListHostDevices(fs)
	c.Check(err, IsNil)
	c.Assert(devices, HasLen, 2)
	c.Check(devices[0].Path, Equals, "/dev/tpm0")
	c.Check(devices[0].MajorVersion, Equals, 1)
	c.Check(devices[1].Path, Equals, "/dev/tpm1")
	c.Check(devices[1].RMPath, Equals, "/dev/tpmrm1")

	_, err = DefaultHostDevice(fs)
	c.Check(err, Equals, ErrDefaultNotTPM2Device)
}

func (s *discoverSuite) TestDefaultHostDevice(c *C) {
	fs := s.newFS(c, map[string]interface{}{
		"/sys/class/tpm": map[string]interface{}{
			"tpm0/tpm_version_major": "2\n",
			"tpm1/tpm_version_major": "2\n",
		},
	})

	dev, err := DefaultHostDevice(fs)
	c.Assert(err, IsNil)
	c.Check(dev.Path, Equals, "/dev/tpm0")
}

func (s *discoverSuite) TestInvalidVersion(c *C) {
	fs := s.newFS(c, map[string]interface{}{
		"/sys/class/tpm/tpm0/tpm_version_major": "3\n",
	})

	_, err := ListHostDevices(fs)
	c.Check(err, ErrorMatches, `cannot determine version of TPM device at /sys/class/tpm/tpm0: unexpected version 3`)
}

func (s *discoverSuite) TestUnexpectedName(c *C) {
	fs := s.newFS(c, map[string]interface{}{
		"/sys/class/tpm/foo/tpm_version_major": "2\n",
	})

	_, err := ListHostDevices(fs)
	c.Check(err, ErrorMatches, `unexpected name "foo": .*`)
}
