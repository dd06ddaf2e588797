// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package bus

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/xerrors"
)

var netDial = net.Dial

// Client is the host side of the bus. It implements the Bus and Errer
// interfaces of the host package. Register accesses don't return errors,
// so the first failure is latched and returned from Err. After a failure,
// writes are discarded and reads return zeros.
type Client struct {
	conn net.Conn

	mu  sync.Mutex
	w   *bufio.Writer
	r   *bufio.Reader
	err error
}

// NewClient returns a new client that uses the supplied connection. The
// client takes ownership of conn.
func NewClient(conn net.Conn) *Client {
	return &Client{
		conn: conn,
		w:    bufio.NewWriter(conn),
		r:    bufio.NewReader(conn)}
}

// Dial connects to the server at the specified address.
func Dial(network, address string) (*Client, error) {
	conn, err := netDial(network, address)
	if err != nil {
		return nil, xerrors.Errorf("cannot connect to bus: %w", err)
	}
	return NewClient(conn), nil
}

func (c *Client) writeTransferHeader(op uint8, addr uint32, n int) {
	c.w.WriteByte(op)
	var hdr [6]byte
	binary.BigEndian.PutUint32(hdr[0:], addr)
	binary.BigEndian.PutUint16(hdr[4:], uint16(n))
	c.w.Write(hdr[:])
}

func (c *Client) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Put writes data to the register at addr.
func (c *Client) Put(addr uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return
	}
	if len(data) > MaxTransferSize {
		c.fail(fmt.Errorf("transfer too large (%d bytes)", len(data)))
		return
	}

	c.writeTransferHeader(opPut, addr, len(data))
	c.w.Write(data)
	if err := c.w.Flush(); err != nil {
		c.fail(err)
	}
}

// Get reads from the register at addr into dest.
func (c *Client) Get(addr uint32, dest []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(dest)
	if c.err != nil {
		return
	}
	if len(dest) > MaxTransferSize {
		c.fail(fmt.Errorf("transfer too large (%d bytes)", len(dest)))
		return
	}

	c.writeTransferHeader(opGet, addr, len(dest))
	if err := c.w.Flush(); err != nil {
		c.fail(err)
		return
	}
	if _, err := io.ReadFull(c.r, dest); err != nil {
		clear(dest)
		c.fail(err)
	}
}

// Reset asks the device to reset itself, optionally wiping its persistent
// storage. It doesn't wait for the reset to complete.
func (c *Client) Reset(wipe bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}

	var flags uint8
	if wipe {
		flags |= resetFlagWipe
	}
	c.w.Write([]byte{opReset, flags})
	if err := c.w.Flush(); err != nil {
		c.fail(err)
		return err
	}

	status, err := c.r.ReadByte()
	if err != nil {
		c.fail(err)
		return err
	}

	switch ResetStatus(status) {
	case ResetOK:
		return nil
	case ResetBusy:
		return ErrResetBusy
	default:
		return fmt.Errorf("%w: %v", ErrResetFailed, ResetStatus(status))
	}
}

// Err returns the first error encountered by the client.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail(net.ErrClosed)
	return c.conn.Close()
}
