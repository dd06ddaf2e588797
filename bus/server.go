// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package bus

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/xerrors"
	"gopkg.in/tomb.v2"

	"github.com/canonical/go-tpm2-fifo"
)

var netListen = net.Listen

// Device is the device side of the bus.
type Device interface {
	Put(addr uint32, data []byte)
	Get(addr uint32, dest []byte)
	RequestReset(ctx context.Context, wait, wipe bool) error
}

// Server serves the registers of a device to clients.
type Server struct {
	dev Device
	log fifo.Logger

	listener net.Listener
	tomb     tomb.Tomb
}

// NewServer returns a new server for dev.
func NewServer(dev Device, logger fifo.Logger) *Server {
	return &Server{
		dev: dev,
		log: logger.WithField("subsystem", "bus")}
}

// Listen starts listening on the specified address and serving clients in
// the background.
func (s *Server) Listen(network, address string) error {
	l, err := netListen(network, address)
	if err != nil {
		return xerrors.Errorf("cannot listen: %w", err)
	}
	s.Serve(l)
	return nil
}

// Serve serves clients that connect to l in the background. The server
// takes ownership of l.
func (s *Server) Serve(l net.Listener) {
	s.listener = l
	s.log.Infof("listening on %v", l.Addr())

	s.tomb.Go(func() error {
		<-s.tomb.Dying()
		return l.Close()
	})
	s.tomb.Go(s.acceptLoop)
}

// Addr returns the address that the server is listening on.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop stops the server, closes every client connection and waits for
// everything to finish.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	s.tomb.Kill(nil)
	return s.tomb.Wait()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return nil
			default:
				return xerrors.Errorf("cannot accept connection: %w", err)
			}
		}

		s.log.Debugf("client %v connected", conn.RemoteAddr())
		s.tomb.Go(func() error {
			s.serveConn(conn)
			return nil
		})
	}
}

func (s *Server) serveConn(conn net.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.tomb.Dying():
		case <-done:
		}
		conn.Close()
	}()

	ctx := fifo.WithInterruptContext(s.tomb.Context(nil))
	r := bufio.NewReader(conn)

	for {
		err := s.handleRequest(ctx, r, conn)
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
			s.log.Debugf("client %v disconnected", conn.RemoteAddr())
		default:
			s.log.Warnf("closing connection to %v: %v", conn.RemoteAddr(), err)
		}
		return
	}
}

func readTransferHeader(r io.Reader) (addr uint32, n int, err error) {
	var hdr struct {
		Addr uint32
		Len  uint16
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return 0, 0, err
	}
	if hdr.Len > MaxTransferSize {
		return 0, 0, fmt.Errorf("transfer too large (%d bytes)", hdr.Len)
	}
	return hdr.Addr, int(hdr.Len), nil
}

func (s *Server) handleRequest(ctx context.Context, r *bufio.Reader, w io.Writer) error {
	op, err := r.ReadByte()
	if err != nil {
		return err
	}

	switch op {
	case opPut:
		addr, n, err := readTransferHeader(r)
		if err != nil {
			return err
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return err
		}
		s.dev.Put(addr, data)
		return nil
	case opGet:
		addr, n, err := readTransferHeader(r)
		if err != nil {
			return err
		}
		data := make([]byte, n)
		s.dev.Get(addr, data)
		_, err = w.Write(data)
		return err
	case opReset:
		flags, err := r.ReadByte()
		if err != nil {
			return err
		}
		status := s.reset(ctx, flags&resetFlagWipe != 0)
		_, err = w.Write([]byte{byte(status)})
		return err
	default:
		return fmt.Errorf("invalid opcode %#02x", op)
	}
}

func (s *Server) reset(ctx context.Context, wipe bool) ResetStatus {
	// Bus callbacks can't wait for the reset to complete.
	switch err := s.dev.RequestReset(ctx, false, wipe); {
	case err == nil:
		return ResetOK
	case errors.Is(err, fifo.ErrResetBusy):
		return ResetBusy
	default:
		s.log.Warnf("cannot reset device: %v", err)
		return ResetFailed
	}
}
