// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import (
	"encoding/binary"
	"fmt"
)

const (
	// CommandHeaderSize is the size of a TPM command or response header.
	CommandHeaderSize = 10

	// ExtensionHeaderSize is the size of the header of an extension
	// command, which carries an additional 16-bit subcommand code.
	ExtensionHeaderSize = CommandHeaderSize + 2
)

// CommandHeader is the header for a TPM command. All fields are big-endian on
// the wire.
type CommandHeader struct {
	Tag         StructTag
	CommandSize uint32
	CommandCode CommandCode
}

// ResponseHeader is the header for the TPM's response to a command.
type ResponseHeader struct {
	Tag          StructTag
	ResponseSize uint32
	ResponseCode ResponseCode
}

// ExtensionHeader is the header of an extension or vendor-specific command
// or response. In a response, Code holds the response code.
type ExtensionHeader struct {
	Tag        StructTag
	Size       uint32
	Code       uint32
	Subcommand VendorCommandCode
}

// CommandPacket corresponds to a complete command packet including header and payload.
type CommandPacket []byte

// DeclaredSize returns the commandSize field of the header. The caller must
// make sure that at least 6 bytes are present.
func (p CommandPacket) DeclaredSize() uint32 {
	return binary.BigEndian.Uint32(p[2:6])
}

// Header decodes the command header.
func (p CommandPacket) Header() (*CommandHeader, error) {
	if len(p) < CommandHeaderSize {
		return nil, fmt.Errorf("packet too short for header (%d bytes)", len(p))
	}
	return &CommandHeader{
		Tag:         StructTag(binary.BigEndian.Uint16(p[0:2])),
		CommandSize: binary.BigEndian.Uint32(p[2:6]),
		CommandCode: CommandCode(binary.BigEndian.Uint32(p[6:10]))}, nil
}

// GetCommandCode returns the command code contained within this packet.
func (p CommandPacket) GetCommandCode() (CommandCode, error) {
	hdr, err := p.Header()
	if err != nil {
		return 0, err
	}
	return hdr.CommandCode, nil
}

// ExtensionHeader decodes the header of an extension command.
func (p CommandPacket) ExtensionHeader() (*ExtensionHeader, error) {
	if len(p) < ExtensionHeaderSize {
		return nil, fmt.Errorf("packet too short for extension header (%d bytes)", len(p))
	}
	return &ExtensionHeader{
		Tag:        StructTag(binary.BigEndian.Uint16(p[0:2])),
		Size:       binary.BigEndian.Uint32(p[2:6]),
		Code:       binary.BigEndian.Uint32(p[6:10]),
		Subcommand: VendorCommandCode(binary.BigEndian.Uint16(p[10:12]))}, nil
}

// ResponsePacket corresponds to a complete response packet including header and payload.
type ResponsePacket []byte

// Header decodes the response header.
func (p ResponsePacket) Header() (*ResponseHeader, error) {
	if len(p) < CommandHeaderSize {
		return nil, fmt.Errorf("packet too short for header (%d bytes)", len(p))
	}
	return &ResponseHeader{
		Tag:          StructTag(binary.BigEndian.Uint16(p[0:2])),
		ResponseSize: binary.BigEndian.Uint32(p[2:6]),
		ResponseCode: ResponseCode(binary.BigEndian.Uint32(p[6:10]))}, nil
}

// MarshalCommandPacket serializes a complete command packet with no
// sessions from the supplied command code and parameters.
func MarshalCommandPacket(command CommandCode, parameters []byte) CommandPacket {
	out := make(CommandPacket, CommandHeaderSize+len(parameters))
	binary.BigEndian.PutUint16(out[0:], uint16(TagNoSessions))
	binary.BigEndian.PutUint32(out[2:], uint32(len(out)))
	binary.BigEndian.PutUint32(out[6:], uint32(command))
	copy(out[CommandHeaderSize:], parameters)
	return out
}

// MarshalExtensionCommand serializes an extension command, using the
// CommandExtension code.
func MarshalExtensionCommand(subcommand VendorCommandCode, payload []byte) CommandPacket {
	return marshalExtension(uint32(CommandExtension), subcommand, payload)
}

// MarshalVendorCommand serializes a vendor-specific command, using the
// vendor bit.
func MarshalVendorCommand(subcommand VendorCommandCode, payload []byte) CommandPacket {
	return marshalExtension(uint32(CommandVendorBit), subcommand, payload)
}

func marshalExtension(code uint32, subcommand VendorCommandCode, payload []byte) CommandPacket {
	out := make(CommandPacket, ExtensionHeaderSize+len(payload))
	binary.BigEndian.PutUint16(out[0:], uint16(TagNoSessions))
	binary.BigEndian.PutUint32(out[2:], uint32(len(out)))
	binary.BigEndian.PutUint32(out[6:], code)
	binary.BigEndian.PutUint16(out[10:], uint16(subcommand))
	copy(out[ExtensionHeaderSize:], payload)
	return out
}

// putExtensionResponseHeader rewrites the size and code fields of an
// extension header in place.
func putExtensionResponseHeader(buf []byte, size uint32, rc ResponseCode) {
	binary.BigEndian.PutUint32(buf[2:6], size)
	binary.BigEndian.PutUint32(buf[6:10], uint32(rc))
}
