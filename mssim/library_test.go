// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package mssim_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	. "gopkg.in/check.v1"
	"gopkg.in/tomb.v2"

	"github.com/canonical/go-tpm2-fifo"
	"github.com/canonical/go-tpm2-fifo/internal/testutil"
	. "github.com/canonical/go-tpm2-fifo/mssim"
)

// fakeSimulator implements just enough of the simulator wire protocol to
// test Library.
type fakeSimulator struct {
	tomb tomb.Tomb

	mu         sync.Mutex
	platform   []uint32
	tpmControl []uint32
	commands   []fifo.CommandPacket
	localities []uint8
	responses  []fifo.ResponsePacket
	platformRC uint32
}

func (s *fakeSimulator) dial(network, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	switch addr {
	case "localhost:2321":
		s.tomb.Go(func() error { return s.serveTPM(server) })
	case "localhost:2322":
		s.tomb.Go(func() error { return s.servePlatform(server) })
	default:
		return nil, errors.New("no such host")
	}
	return client, nil
}

func (s *fakeSimulator) queue(rsps ...fifo.ResponsePacket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, rsps...)
}

func (s *fakeSimulator) nextResponse(cmd fifo.CommandPacket, locality uint8) fifo.ResponsePacket {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
	s.localities = append(s.localities, locality)
	if len(s.responses) == 0 {
		return testutil.SuccessResponse()
	}
	rsp := s.responses[0]
	s.responses = s.responses[1:]
	return rsp
}

func (s *fakeSimulator) serveTPM(conn net.Conn) error {
	defer conn.Close()
	for {
		var cmd uint32
		if err := binary.Read(conn, binary.BigEndian, &cmd); err != nil {
			return nil
		}
		if cmd != CmdTPMSendCommand {
			s.mu.Lock()
			s.tpmControl = append(s.tpmControl, cmd)
			s.mu.Unlock()
			continue
		}

		var hdr struct {
			Locality uint8
			Size     uint32
		}
		if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
			return err
		}
		packet := make(fifo.CommandPacket, hdr.Size)
		if _, err := io.ReadFull(conn, packet); err != nil {
			return err
		}

		rsp := s.nextResponse(packet, hdr.Locality)
		if err := binary.Write(conn, binary.BigEndian, uint32(len(rsp))); err != nil {
			return err
		}
		if _, err := conn.Write(rsp); err != nil {
			return err
		}
		if err := binary.Write(conn, binary.BigEndian, uint32(0)); err != nil {
			return err
		}
	}
}

func (s *fakeSimulator) servePlatform(conn net.Conn) error {
	defer conn.Close()
	for {
		var cmd uint32
		if err := binary.Read(conn, binary.BigEndian, &cmd); err != nil {
			return nil
		}
		s.mu.Lock()
		s.platform = append(s.platform, cmd)
		rc := s.platformRC
		s.mu.Unlock()

		if cmd == CmdSessionEnd || cmd == CmdStop {
			continue
		}
		if err := binary.Write(conn, binary.BigEndian, rc); err != nil {
			return err
		}
	}
}

func (s *fakeSimulator) platformCommands() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.platform...)
}

func (s *fakeSimulator) submitted() ([]fifo.CommandPacket, []uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fifo.CommandPacket(nil), s.commands...), append([]uint8(nil), s.localities...)
}

type librarySuite struct {
	testutil.BaseTest
	sim *fakeSimulator
}

var _ = Suite(&librarySuite{})

func (s *librarySuite) SetUpTest(c *C) {
	s.BaseTest.SetUpTest(c)
	s.sim = new(fakeSimulator)
	s.AddCleanup(MockNetDial(s.sim.dial))
}

func (s *librarySuite) open(c *C, opts ...Option) *Library {
	lib, err := NewDevice(opts...).Open()
	c.Assert(err, IsNil)
	s.AddCleanup(func() {
		lib.Close()
		s.sim.tomb.Kill(nil)
		c.Check(s.sim.tomb.Wait(), IsNil)
	})
	return lib
}

func (s *librarySuite) TestExecuteCommand(c *C) {
	lib := s.open(c, WithLocality(3))

	expected := testutil.DecodeHexString(c, "80010000000e0000000000040102030405")
	s.sim.queue(expected)

	cmd := fifo.MarshalCommandPacket(fifo.CommandGetRandom, []byte{0x00, 0x04})
	rsp, err := lib.ExecuteCommand(context.Background(), cmd)
	c.Check(err, IsNil)
	c.Check(rsp, DeepEquals, fifo.ResponsePacket(expected))

	cmds, localities := s.sim.submitted()
	c.Check(cmds, DeepEquals, []fifo.CommandPacket{cmd})
	c.Check(localities, DeepEquals, []uint8{3})
}

func (s *librarySuite) TestExecuteCommandInvalid(c *C) {
	lib := s.open(c)

	_, err := lib.ExecuteCommand(context.Background(), fifo.CommandPacket{0x80, 0x01})
	c.Check(err, ErrorMatches, `invalid command: packet too short for header \(2 bytes\)`)
}

func (s *librarySuite) TestExecuteCommandRetries(c *C) {
	lib := s.open(c, WithRetryParams(4, time.Millisecond, 2))

	s.sim.queue(
		testutil.DecodeHexString(c, "80010000000a00000922"),
		testutil.DecodeHexString(c, "80010000000a00000908"),
	)

	cmd := fifo.MarshalCommandPacket(fifo.CommandPCRRead, nil)
	rsp, err := lib.ExecuteCommand(context.Background(), cmd)
	c.Check(err, IsNil)
	c.Check(rsp, DeepEquals, testutil.SuccessResponse())

	cmds, _ := s.sim.submitted()
	c.Check(cmds, DeepEquals, []fifo.CommandPacket{cmd, cmd, cmd})
}

func (s *librarySuite) TestExecuteCommandRetryLimit(c *C) {
	lib := s.open(c, WithRetryParams(2, time.Millisecond, 1))

	retry := fifo.ResponsePacket(testutil.DecodeHexString(c, "80010000000a00000922"))
	s.sim.queue(retry, retry, retry, retry)

	rsp, err := lib.ExecuteCommand(context.Background(), fifo.MarshalCommandPacket(fifo.CommandPCRRead, nil))
	c.Check(err, IsNil)
	c.Check(rsp, DeepEquals, retry)

	cmds, _ := s.sim.submitted()
	c.Check(cmds, HasLen, 3)
}

func (s *librarySuite) TestSelfTestNotRetriedWhenTesting(c *C) {
	lib := s.open(c, WithRetryParams(4, time.Millisecond, 2))

	testing := fifo.ResponsePacket(testutil.DecodeHexString(c, "80010000000a0000090a"))
	s.sim.queue(testing)

	rsp, err := lib.ExecuteCommand(context.Background(), fifo.MarshalCommandPacket(fifo.CommandSelfTest, []byte{0x00}))
	c.Check(err, IsNil)
	c.Check(rsp, DeepEquals, testing)

	cmds, _ := s.sim.submitted()
	c.Check(cmds, HasLen, 1)
}

func (s *librarySuite) TestExecuteCommandCancelledDuringBackoff(c *C) {
	lib := s.open(c, WithRetryParams(4, time.Hour, 2))

	s.sim.queue(testutil.DecodeHexString(c, "80010000000a00000922"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := lib.ExecuteCommand(ctx, fifo.MarshalCommandPacket(fifo.CommandPCRRead, nil))
	c.Check(err, Equals, context.DeadlineExceeded)
}

func (s *librarySuite) TestPlatformCommands(c *C) {
	lib := s.open(c)

	c.Check(lib.PowerOn(), IsNil)
	c.Check(lib.Init(), IsNil)
	c.Check(lib.SetNVAvailable(), IsNil)
	c.Check(lib.ClearVolatile(), IsNil)
	c.Check(lib.Cancel(true), IsNil)
	c.Check(lib.Cancel(false), IsNil)

	c.Check(s.sim.platformCommands(), DeepEquals, []uint32{
		CmdPowerOn, CmdReset, CmdNVOn, CmdPowerOff, CmdCancelOn, CmdCancelOff})
}

func (s *librarySuite) TestPlatformCommandError(c *C) {
	lib := s.open(c)
	s.sim.platformRC = 5

	err := lib.PowerOn()
	c.Check(err, ErrorMatches, `received error code 5 in response to platform command 1`)

	var e *PlatformCommandError
	c.Assert(errors.As(err, &e), Equals, true)
	c.Check(e.Code, Equals, uint32(5))
}

func (s *librarySuite) TestManufacture(c *C) {
	lib := s.open(c)

	manufactured, err := lib.IsManufactured()
	c.Check(err, IsNil)
	c.Check(manufactured, testutil.IsTrue)
	c.Check(lib.Manufacture(), Equals, ErrManufactureNotSupported)
}

func (s *librarySuite) TestClose(c *C) {
	lib, err := NewDevice().Open()
	c.Assert(err, IsNil)

	c.Check(lib.Close(), IsNil)
	c.Check(s.sim.tomb.Wait(), IsNil)
	c.Check(s.sim.platformCommands(), DeepEquals, []uint32{CmdSessionEnd})
	c.Check(s.sim.tpmControl, DeepEquals, []uint32{CmdSessionEnd})

	c.Check(lib.Close(), Equals, net.ErrClosed)
	_, err = lib.ExecuteCommand(context.Background(), fifo.MarshalCommandPacket(fifo.CommandPCRRead, nil))
	c.Check(err, Equals, net.ErrClosed)
	c.Check(lib.PowerOn(), Equals, net.ErrClosed)
}

func (s *librarySuite) TestStop(c *C) {
	lib, err := NewDevice().Open()
	c.Assert(err, IsNil)

	c.Check(lib.Stop(), IsNil)
	c.Check(s.sim.tomb.Wait(), IsNil)
	c.Check(s.sim.platformCommands(), DeepEquals, []uint32{CmdStop})
}
