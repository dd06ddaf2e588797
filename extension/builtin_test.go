// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package extension_test

import (
	"time"

	. "gopkg.in/check.v1"

	"github.com/canonical/go-tpm2-fifo"
	. "github.com/canonical/go-tpm2-fifo/extension"
	"github.com/canonical/go-tpm2-fifo/internal/testutil"
)

type builtinSuite struct {
	testutil.DeviceTest
	router *Router
}

var _ = Suite(&builtinSuite{})

func (s *builtinSuite) SetUpTest(c *C) {
	s.DeviceTest.SetUpTest(c)
	s.router = NewRouter(s.LogBuffer.NewLogger())
}

func (s *builtinSuite) startDevice(c *C, opts ...fifo.Option) *fifo.Device {
	dev := s.StartDevice(c, append([]fifo.Option{fifo.WithExtensionRouter(s.router)}, opts...)...)
	RegisterDeviceCommands(s.router, dev)
	return dev
}

func (s *builtinSuite) execute(c *C, dev *fifo.Device, cmd fifo.CommandPacket) (fifo.ResponseCode, []byte) {
	testutil.SubmitCommand(c, dev, cmd)
	rsp := fifo.ResponsePacket(testutil.WaitForResponse(c, dev, time.Second))
	hdr, err := rsp.Header()
	c.Assert(err, IsNil)
	c.Check(hdr.ResponseSize, Equals, uint32(len(rsp)))
	return hdr.ResponseCode, rsp[fifo.ExtensionHeaderSize:]
}

func (s *builtinSuite) TestRegisterDeviceCommands(c *C) {
	s.startDevice(c)
	c.Check(s.router.Len(), Equals, 4)
}

func (s *builtinSuite) TestSysInfo(c *C) {
	dev := s.startDevice(c, fifo.WithVersionInfo(func() fifo.VersionInfo {
		return fifo.VersionInfo{Chip: "B2-C", Board: 3, ROVersion: "0.0.11", ActiveRW: fifo.ImageCopyB, RWVersion: "0.3.22"}
	}))

	rc, payload := s.execute(c, dev, fifo.MarshalVendorCommand(fifo.VendorSysInfo, nil))
	c.Check(rc, Equals, fifo.ResponseSuccess)
	c.Check(string(payload), Equals, "B2-C:3 RO_A:0.0.11 RW_B:0.3.22")
}

func (s *builtinSuite) TestSysInfoBogusArgs(c *C) {
	dev := s.startDevice(c)

	rc, payload := s.execute(c, dev, fifo.MarshalVendorCommand(fifo.VendorSysInfo, []byte{0}))
	c.Check(rc, Equals, fifo.VendorRCBogusArgs.ResponseCode())
	c.Check(payload, HasLen, 0)
}

func (s *builtinSuite) TestReportTPMState(c *C) {
	dev := s.startDevice(c)

	rc, payload := s.execute(c, dev, fifo.MarshalVendorCommand(fifo.VendorReportTPMState, nil))
	c.Check(rc, Equals, fifo.ResponseSuccess)
	c.Check(payload, DeepEquals, []byte{uint8(fifo.StateExecutingCommand), TPMStateInitialized})
}

func (s *builtinSuite) TestCommitNVMem(c *C) {
	dev := s.startDevice(c, fifo.WithCommitReinstateDelay(time.Hour))
	c.Check(s.Storage.CommitsEnabled(), testutil.IsFalse)

	rc, _ := s.execute(c, dev, fifo.MarshalExtensionCommand(fifo.VendorCommitNVMem, nil))
	c.Check(rc, Equals, fifo.ResponseSuccess)
	testutil.WaitFor(c, s.Storage.CommitsEnabled, time.Second)
}

func (s *builtinSuite) TestImmediateReset(c *C) {
	dev := s.startDevice(c)
	c.Check(s.Calls.Count("clear-volatile"), Equals, 1)

	testutil.SubmitCommand(c, dev, fifo.MarshalVendorCommand(fifo.VendorImmediateReset, nil))
	testutil.WaitFor(c, func() bool { return s.Calls.Count("clear-volatile") == 2 }, time.Second)
	testutil.WaitFor(c, func() bool { return !dev.Snapshot().ResetInProgress }, time.Second)

	// The reset returns the interface to its boot state.
	c.Check(dev.Snapshot().State, Equals, fifo.StateIdle)
	c.Check(testutil.GetAccess(dev), Equals, fifo.AccessRegValidSts)
}

func (s *builtinSuite) TestUnknownVendorCommand(c *C) {
	dev := s.startDevice(c)

	rc, _ := s.execute(c, dev, fifo.MarshalVendorCommand(fifo.VendorTurnUpdateOn, nil))
	c.Check(rc, Equals, fifo.VendorRCNoSuchCommand.ResponseCode())
}
