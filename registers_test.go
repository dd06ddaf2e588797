// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo_test

import (
	"bytes"
	"time"

	. "gopkg.in/check.v1"

	. "github.com/canonical/go-tpm2-fifo"
	"github.com/canonical/go-tpm2-fifo/internal/testutil"
)

type registersSuite struct {
	testutil.DeviceTest
}

var _ = Suite(&registersSuite{})

// getRandomCommand is TPM2_GetRandom without parameters, which declares a
// size of 10 bytes.
var getRandomCommand = []byte{0x80, 0x01, 0x00, 0x00, 0x00, 0x0a, 0x00, 0x00, 0x01, 0x7b}

func (s *registersSuite) ready(c *C, dev *Device) {
	testutil.PutAccess(dev, AccessRequestUse)
	testutil.PutStatus(dev, StatusCommandReady)
	c.Assert(dev.Snapshot().State, Equals, StateReady)
}

func (s *registersSuite) TestBootDefaults(c *C) {
	dev := s.NewDevice()

	snapshot := dev.Snapshot()
	c.Check(snapshot.State, Equals, StateIdle)
	c.Check(snapshot.Access, Equals, AccessRegValidSts)
	c.Check(snapshot.Status, Equals, StatusBits(0x04003f80))
	c.Check(snapshot.ReadIndex, Equals, 0)
	c.Check(snapshot.WriteIndex, Equals, 0)
	c.Check(dev.BurstSize(), Equals, 63)
}

func (s *registersSuite) TestIdentityRegisters(c *C) {
	dev := s.NewDevice()

	buf := make([]byte, 4)
	dev.Get(RegDIDVID, buf)
	c.Check(buf, DeepEquals, []byte{0xe0, 0x1a, 0x28, 0x00})

	dev.Get(RegRID, buf)
	c.Check(buf, DeepEquals, []byte{0x00, 0x00, 0x00, 0x00})

	dev.Get(RegIntfCapability, buf)
	c.Check(buf, DeepEquals, []byte{0x15, 0x06, 0x00, 0x30})
}

func (s *registersSuite) TestIdentityRegistersCustom(c *C) {
	dev := s.NewDevice(WithIdentity(Identity{VendorID: 0x1234, DeviceID: 0x5678, RevisionID: 9}))

	buf := make([]byte, 4)
	dev.Get(RegDIDVID, buf)
	c.Check(buf, DeepEquals, []byte{0x34, 0x12, 0x78, 0x56})

	dev.Get(RegRID, buf[:1])
	c.Check(buf[0], Equals, byte(9))
}

func (s *registersSuite) TestReadPastRegisterWidthIsZeroed(c *C) {
	dev := s.NewDevice()

	buf := bytes.Repeat([]byte{0xff}, 8)
	dev.Get(RegDIDVID, buf)
	c.Check(buf, DeepEquals, []byte{0xe0, 0x1a, 0x28, 0x00, 0x00, 0x00, 0x00, 0x00})
}

func (s *registersSuite) TestReadShorterThanRegister(c *C) {
	dev := s.NewDevice()

	buf := make([]byte, 2)
	dev.Get(RegDIDVID, buf)
	c.Check(buf, DeepEquals, []byte{0xe0, 0x1a})
}

func (s *registersSuite) TestReadUnknownRegister(c *C) {
	dev := s.NewDevice()

	buf := bytes.Repeat([]byte{0xff}, 4)
	dev.Get(0x123, buf)
	c.Check(buf, DeepEquals, make([]byte, 4))
	c.Check(s.LogBuffer.String(), testutil.Contains, "unsupported register 0x000123")
}

func (s *registersSuite) TestWriteUnknownRegister(c *C) {
	dev := s.NewDevice()
	before := dev.Snapshot()

	dev.Put(0x123, []byte{1})
	c.Check(dev.Snapshot(), DeepEquals, before)
	c.Check(s.LogBuffer.String(), testutil.Contains, "unsupported register 0x000123")
}

func (s *registersSuite) TestPutIgnoresOversizedTransfer(c *C) {
	dev := s.NewDevice()
	s.ready(c, dev)

	dev.Put(RegDataFIFO, make([]byte, MaxTransferSize+1))
	c.Check(dev.Snapshot().State, Equals, StateReady)
	c.Check(dev.Snapshot().WriteIndex, Equals, 0)
}

func (s *registersSuite) TestPutIgnoresEmptyTransfer(c *C) {
	dev := s.NewDevice()
	before := dev.Snapshot()

	dev.Put(RegAccess, nil)
	c.Check(dev.Snapshot(), DeepEquals, before)
}

func (s *registersSuite) TestAccessRequestUse(c *C) {
	dev := s.NewDevice()

	testutil.PutAccess(dev, AccessRequestUse)
	c.Check(testutil.GetAccess(dev), Equals, AccessRegValidSts|AccessActiveLocality)
}

func (s *registersSuite) TestAccessMultiBitIgnored(c *C) {
	dev := s.NewDevice()

	testutil.PutAccess(dev, AccessRequestUse|AccessActiveLocality)
	c.Check(testutil.GetAccess(dev), Equals, AccessRegValidSts)
}

func (s *registersSuite) TestAccessUnsupportedBitIgnored(c *C) {
	dev := s.NewDevice()

	testutil.PutAccess(dev, AccessEstablishment)
	c.Check(testutil.GetAccess(dev), Equals, AccessRegValidSts)
}

func (s *registersSuite) TestAccessExtraBytesIgnored(c *C) {
	dev := s.NewDevice()

	dev.Put(RegAccess, []byte{byte(AccessRequestUse), 0xff, 0xff})
	c.Check(testutil.GetAccess(dev), Equals, AccessRegValidSts|AccessActiveLocality)
}

type testReleaseLocalityData struct {
	setup    func(c *C, dev *Device)
	expected State
}

func (s *registersSuite) testReleaseLocality(c *C, data *testReleaseLocalityData) {
	dev := s.NewDevice()
	testutil.PutAccess(dev, AccessRequestUse)
	data.setup(c, dev)
	c.Assert(dev.Snapshot().State, Equals, data.expected)

	testutil.PutAccess(dev, AccessActiveLocality)

	snapshot := dev.Snapshot()
	c.Check(snapshot.State, Equals, StateIdle)
	c.Check(snapshot.Access, testutil.HasNoBits, AccessActiveLocality)
	c.Check(snapshot.ReadIndex, Equals, 0)
	c.Check(snapshot.WriteIndex, Equals, 0)
}

func (s *registersSuite) TestReleaseLocalityIdle(c *C) {
	s.testReleaseLocality(c, &testReleaseLocalityData{
		setup:    func(*C, *Device) {},
		expected: StateIdle})
}

func (s *registersSuite) TestReleaseLocalityReady(c *C) {
	s.testReleaseLocality(c, &testReleaseLocalityData{
		setup: func(c *C, dev *Device) {
			testutil.PutStatus(dev, StatusCommandReady)
		},
		expected: StateReady})
}

func (s *registersSuite) TestReleaseLocalityReceiving(c *C) {
	s.testReleaseLocality(c, &testReleaseLocalityData{
		setup: func(c *C, dev *Device) {
			testutil.PutStatus(dev, StatusCommandReady)
			dev.Put(RegDataFIFO, getRandomCommand[:4])
		},
		expected: StateReceivingCommand})
}

func (s *registersSuite) TestReleaseLocalityExecuting(c *C) {
	s.testReleaseLocality(c, &testReleaseLocalityData{
		setup: func(c *C, dev *Device) {
			testutil.PutStatus(dev, StatusCommandReady)
			dev.Put(RegDataFIFO, getRandomCommand)
			testutil.PutStatus(dev, StatusGo)
		},
		expected: StateExecutingCommand})
}

func (s *registersSuite) TestCommandReadyFromIdle(c *C) {
	dev := s.NewDevice()

	testutil.PutStatus(dev, StatusCommandReady)
	c.Check(dev.Snapshot().State, Equals, StateReady)
	c.Check(testutil.GetStatus(dev), testutil.HasBits, StatusCommandReady)

	// Again, from the ready state.
	testutil.PutStatus(dev, StatusCommandReady)
	c.Check(dev.Snapshot().State, Equals, StateReady)
	c.Check(testutil.GetStatus(dev), testutil.HasBits, StatusCommandReady)
}

func (s *registersSuite) TestCommandReadyAbortsReceive(c *C) {
	dev := s.NewDevice()
	s.ready(c, dev)
	dev.Put(RegDataFIFO, getRandomCommand[:4])
	c.Assert(dev.Snapshot().State, Equals, StateReceivingCommand)

	testutil.PutStatus(dev, StatusCommandReady)

	snapshot := dev.Snapshot()
	c.Check(snapshot.State, Equals, StateIdle)
	c.Check(snapshot.Status, testutil.HasNoBits, StatusCommandReady)
	c.Check(snapshot.WriteIndex, Equals, 0)
}

func (s *registersSuite) TestStatusMultiBitIgnored(c *C) {
	dev := s.NewDevice()
	s.ready(c, dev)
	dev.Put(RegDataFIFO, getRandomCommand[:4])
	before := dev.Snapshot()

	for _, value := range []StatusBits{
		0,
		StatusCommandReady | StatusGo,
		StatusResponseRetry | StatusExpect,
		StatusCommandCancel | StatusCommandReady,
		0xffffffff,
	} {
		testutil.PutStatus(dev, value)
		c.Check(dev.Snapshot(), DeepEquals, before, Commentf("value: %#x", value))
	}
}

func (s *registersSuite) TestStatusShortWrite(c *C) {
	dev := s.NewDevice()

	// One byte is assembled as the least significant byte.
	dev.Put(RegStatus, []byte{byte(StatusCommandReady)})
	c.Check(dev.Snapshot().State, Equals, StateReady)
}

func (s *registersSuite) TestCommandCancelRecordedOnly(c *C) {
	dev := s.NewDevice()
	s.ready(c, dev)
	dev.Put(RegDataFIFO, getRandomCommand[:4])
	before := dev.Snapshot()

	testutil.PutStatus(dev, StatusCommandCancel)
	c.Check(dev.Snapshot(), DeepEquals, before)
	c.Check(s.LogBuffer.String(), testutil.Contains, "command cancel requested in state receiving")
}

func (s *registersSuite) TestFIFOWriteFourBytesAtATime(c *C) {
	dev := s.NewDevice()
	s.ready(c, dev)

	dev.Put(RegDataFIFO, getRandomCommand[0:4])
	c.Check(dev.Snapshot().State, Equals, StateReceivingCommand)
	c.Check(testutil.GetStatus(dev), testutil.HasBits, StatusExpect)

	dev.Put(RegDataFIFO, getRandomCommand[4:8])
	c.Check(testutil.GetStatus(dev), testutil.HasBits, StatusExpect)

	dev.Put(RegDataFIFO, getRandomCommand[8:10])
	c.Check(testutil.GetStatus(dev), testutil.HasNoBits, StatusExpect)
	c.Check(dev.FIFOContents(), DeepEquals, getRandomCommand)

	testutil.PutStatus(dev, StatusGo)
	c.Check(dev.Snapshot().State, Equals, StateExecutingCommand)
	c.Check(dev.PendingEvents(), Equals, EventWake)
}

func (s *registersSuite) TestGoIgnoredWhilstExpecting(c *C) {
	dev := s.NewDevice()
	s.ready(c, dev)

	dev.Put(RegDataFIFO, getRandomCommand[:8])
	testutil.PutStatus(dev, StatusGo)
	c.Check(dev.Snapshot().State, Equals, StateReceivingCommand)
	c.Check(dev.PendingEvents(), Equals, Event(0))
}

func (s *registersSuite) TestGoIgnoredWhenReady(c *C) {
	dev := s.NewDevice()
	s.ready(c, dev)

	testutil.PutStatus(dev, StatusGo)
	c.Check(dev.Snapshot().State, Equals, StateReady)
	c.Check(dev.PendingEvents(), Equals, Event(0))
}

func (s *registersSuite) TestFIFOWriteIgnoredWhenIdle(c *C) {
	dev := s.NewDevice()

	dev.Put(RegDataFIFO, getRandomCommand)
	c.Check(dev.Snapshot().State, Equals, StateIdle)
	c.Check(dev.Snapshot().WriteIndex, Equals, 0)
}

func (s *registersSuite) TestFIFOWriteIgnoredWhenExecuting(c *C) {
	dev := s.NewDevice()
	s.ready(c, dev)
	dev.Put(RegDataFIFO, getRandomCommand)
	testutil.PutStatus(dev, StatusGo)

	dev.Put(RegDataFIFO, []byte{1, 2, 3})
	c.Check(dev.FIFOContents(), DeepEquals, getRandomCommand)
}

func (s *registersSuite) TestFIFOOverflow(c *C) {
	dev := s.NewDevice()
	s.ready(c, dev)

	// Declare a 4096 byte command, which doesn't fit.
	data := make([]byte, FIFOSize)
	copy(data, []byte{0x80, 0x01, 0x00, 0x00, 0x10, 0x00})
	testutil.WriteFIFO(dev, data, MaxTransferSize)
	c.Check(dev.Snapshot().WriteIndex, Equals, FIFOSize)
	c.Check(testutil.GetStatus(dev), testutil.HasBits, StatusExpect)

	dev.Put(RegDataFIFO, []byte{1, 2, 3, 4})

	snapshot := dev.Snapshot()
	c.Check(snapshot.State, Equals, StateReady)
	c.Check(snapshot.ReadIndex, Equals, 0)
	c.Check(snapshot.WriteIndex, Equals, 0)
	c.Check(dev.FIFOContents(), HasLen, 0)
	c.Check(s.LogBuffer.String(), testutil.Contains, "receive buffer overflow: 4 in addition to 2048")

	// The next write starts a new command.
	dev.Put(RegDataFIFO, getRandomCommand[:4])
	c.Check(dev.Snapshot().State, Equals, StateReceivingCommand)
	c.Check(dev.FIFOContents(), DeepEquals, getRandomCommand[:4])
}

func (s *registersSuite) TestFWVersion(c *C) {
	dev := s.NewDevice(WithVersionInfo(func() VersionInfo {
		return VersionInfo{
			Chip:      "B2-C",
			Board:     3,
			ActiveRO:  ImageCopyA,
			ROVersion: "0.0.11",
			ActiveRW:  ImageCopyB,
			RWVersion: "0.3.22"}
	}))
	expected := "B2-C:3 RO_A:0.0.11 RW_B:0.3.22"
	c.Check(dev.VersionString(), Equals, expected)

	readAll := func() string {
		var out []byte
		for {
			buf := make([]byte, 8)
			dev.Get(RegFWVersion, buf)
			if i := bytes.IndexByte(buf, 0); i >= 0 {
				return string(append(out, buf[:i]...))
			}
			out = append(out, buf...)
		}
	}

	c.Check(readAll(), Equals, expected)

	// The stream stays at the terminator.
	buf := bytes.Repeat([]byte{0xff}, 16)
	dev.Get(RegFWVersion, buf)
	c.Check(buf, DeepEquals, make([]byte, 16))

	// A write restarts it.
	dev.Put(RegFWVersion, []byte{0})
	c.Check(readAll(), Equals, expected)
}

// The following tests need the task loop.

func (s *registersSuite) TestReadResponse(c *C) {
	s.Library.Respond = func(CommandPacket) (ResponsePacket, error) {
		return ResponsePacket{1, 2, 3, 4, 5}, nil
	}
	dev := s.StartDevice(c)

	testutil.SubmitCommand(c, dev, getRandomCommand)
	testutil.WaitFor(c, func() bool {
		return testutil.GetStatus(dev)&StatusDataAvail != 0
	}, time.Second)

	c.Check(dev.Snapshot().State, Equals, StateCompletingCommand)
	c.Check(dev.BurstSize(), Equals, 5)

	buf := make([]byte, 5)
	dev.Get(RegDataFIFO, buf)
	c.Check(buf, DeepEquals, []byte{1, 2, 3, 4, 5})

	sts := testutil.GetStatus(dev)
	c.Check(sts, testutil.HasNoBits, StatusDataAvail|StatusCommandReady)
	c.Check(sts.BurstCount(), Equals, 63)

	buf = bytes.Repeat([]byte{0xff}, 4)
	dev.Get(RegDataFIFO, buf)
	c.Check(buf, DeepEquals, make([]byte, 4))
}

func (s *registersSuite) TestReadResponseInBursts(c *C) {
	rsp := make(ResponsePacket, 100)
	for i := range rsp {
		rsp[i] = byte(i)
	}
	s.Library.Respond = func(CommandPacket) (ResponsePacket, error) {
		return rsp, nil
	}
	dev := s.StartDevice(c)

	testutil.SubmitCommand(c, dev, getRandomCommand)
	testutil.WaitFor(c, func() bool {
		return testutil.GetStatus(dev)&StatusDataAvail != 0
	}, time.Second)
	c.Check(dev.BurstSize(), Equals, 63)

	buf := make([]byte, 63)
	dev.Get(RegDataFIFO, buf)
	c.Check(buf, DeepEquals, []byte(rsp[:63]))
	c.Check(dev.BurstSize(), Equals, 37)
	c.Check(testutil.GetStatus(dev), testutil.HasBits, StatusDataAvail)

	buf = make([]byte, 37)
	dev.Get(RegDataFIFO, buf)
	c.Check(buf, DeepEquals, []byte(rsp[63:]))
	c.Check(dev.BurstSize(), Equals, 63)
}

func (s *registersSuite) TestResponseRetry(c *C) {
	s.Library.Respond = func(CommandPacket) (ResponsePacket, error) {
		return ResponsePacket{1, 2, 3, 4, 5}, nil
	}
	dev := s.StartDevice(c)

	testutil.SubmitCommand(c, dev, getRandomCommand)
	rsp := testutil.WaitForResponse(c, dev, time.Second)
	c.Check(rsp, DeepEquals, []byte{1, 2, 3, 4, 5})

	testutil.PutStatus(dev, StatusResponseRetry)
	c.Check(dev.Snapshot().ReadIndex, Equals, 0)

	buf := make([]byte, 5)
	dev.Get(RegDataFIFO, buf)
	c.Check(buf, DeepEquals, []byte{1, 2, 3, 4, 5})
}

func (s *registersSuite) TestResponseRetryIgnoredWhenNotCompleting(c *C) {
	dev := s.NewDevice()
	s.ready(c, dev)
	before := dev.Snapshot()

	testutil.PutStatus(dev, StatusResponseRetry)
	c.Check(dev.Snapshot(), DeepEquals, before)
}

func (s *registersSuite) TestReleaseLocalityCompleting(c *C) {
	dev := s.StartDevice(c)

	testutil.SubmitCommand(c, dev, getRandomCommand)
	testutil.WaitFor(c, func() bool {
		return dev.Snapshot().State == StateCompletingCommand
	}, time.Second)

	testutil.PutAccess(dev, AccessActiveLocality)

	snapshot := dev.Snapshot()
	c.Check(snapshot.State, Equals, StateIdle)
	c.Check(snapshot.ReadIndex, Equals, 0)
	c.Check(snapshot.WriteIndex, Equals, 0)
}

func (s *registersSuite) TestCommandReadyAfterResponse(c *C) {
	dev := s.StartDevice(c)

	testutil.SubmitCommand(c, dev, getRandomCommand)
	testutil.WaitForResponse(c, dev, time.Second)

	// The host aborts the completed command and starts a new one.
	testutil.PutStatus(dev, StatusCommandReady)
	c.Check(dev.Snapshot().State, Equals, StateIdle)
	testutil.PutStatus(dev, StatusCommandReady)
	c.Check(dev.Snapshot().State, Equals, StateReady)
}
