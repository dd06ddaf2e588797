// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package platform

import (
	"context"
	"encoding/binary"
	"errors"

	"github.com/canonical/go-tpm2-fifo"
	"github.com/canonical/go-tpm2-fifo/extension"
)

// ErrBoardIDSet is returned when attempting to change a board ID that has
// already been programmed.
var ErrBoardIDSet = errors.New("board ID is already programmed")

// BoardID identifies the board that the device is fitted to. TypeInv is the
// bitwise inverse of Type once programmed. An unprogrammed board ID has all
// fields set to 0xffffffff.
type BoardID struct {
	Type    uint32
	TypeInv uint32
	Flags   uint32
}

var erasedBoardID = BoardID{Type: 0xffffffff, TypeInv: 0xffffffff, Flags: 0xffffffff}

// IsErased indicates whether the board ID has not been programmed.
func (b BoardID) IsErased() bool {
	return b == erasedBoardID
}

func (b BoardID) marshal() []byte {
	data := binary.BigEndian.AppendUint32(nil, b.Type)
	data = binary.BigEndian.AppendUint32(data, b.TypeInv)
	return binary.BigEndian.AppendUint32(data, b.Flags)
}

// BoardID returns the current board ID.
func (p *Platform) BoardID() BoardID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.boardIDLocked()
}

func (p *Platform) boardIDLocked() BoardID {
	data, ok := p.vars.Get(varBoardID)
	if !ok || len(data) != 12 {
		return erasedBoardID
	}
	return BoardID{
		Type:    binary.BigEndian.Uint32(data[0:]),
		TypeInv: binary.BigEndian.Uint32(data[4:]),
		Flags:   binary.BigEndian.Uint32(data[8:])}
}

// SetBoardID programs the board ID. This can only be done once.
func (p *Platform) SetBoardID(boardType, flags uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.boardIDLocked().IsErased() {
		return ErrBoardIDSet
	}

	id := BoardID{Type: boardType, TypeInv: ^boardType, Flags: flags}
	if err := p.vars.Set(varBoardID, id.marshal()); err != nil {
		return err
	}
	if err := p.vars.Commit(); err != nil {
		return err
	}
	p.log.Infof("board ID set to %#08x, flags %#08x", boardType, flags)
	return nil
}

func (p *Platform) getBoardIDCommand(_ context.Context, _ fifo.VendorCommandCode, buf []byte, commandSize int) (int, fifo.VendorResponseCode) {
	if commandSize != 0 {
		return 0, fifo.VendorRCBogusArgs
	}
	data := p.BoardID().marshal()
	if len(buf) < len(data) {
		return 0, fifo.VendorRCResponseTooBig
	}
	return copy(buf, data), fifo.VendorRCSuccess
}

func (p *Platform) setBoardIDCommand(_ context.Context, _ fifo.VendorCommandCode, buf []byte, commandSize int) (int, fifo.VendorResponseCode) {
	if commandSize != 8 {
		return 0, fifo.VendorRCBogusArgs
	}
	boardType := binary.BigEndian.Uint32(buf[0:])
	flags := binary.BigEndian.Uint32(buf[4:])

	switch err := p.SetBoardID(boardType, flags); {
	case errors.Is(err, ErrBoardIDSet):
		return 0, fifo.VendorRCBogusArgs
	case err != nil:
		p.log.Warnf("cannot set board ID: %v", err)
		return 0, fifo.VendorRCWriteFlashFail
	}
	return 0, fifo.VendorRCSuccess
}

// RegisterCommands adds the platform's vendor commands to r.
func (p *Platform) RegisterCommands(r *extension.Router) {
	r.RegisterFunc(fifo.VendorGetBoardID, p.getBoardIDCommand)
	r.RegisterFunc(fifo.VendorSetBoardID, p.setBoardIDCommand)
}
