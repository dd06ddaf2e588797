// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package platform

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FWMPFlags are the flags field of the firmware management parameters.
type FWMPFlags uint32

const (
	FWMPDevDisableBoot       FWMPFlags = 1 << 0
	FWMPDevDisableRecovery   FWMPFlags = 1 << 1
	FWMPDevEnableUSB         FWMPFlags = 1 << 2
	FWMPDevEnableLegacy      FWMPFlags = 1 << 3
	FWMPDevEnableOfficialRO  FWMPFlags = 1 << 4
	FWMPDevUseKeyHash        FWMPFlags = 1 << 5
	FWMPDevDisableCCDUnlock  FWMPFlags = 1 << 6
	FWMPDevFactoryCCDDisable FWMPFlags = 1 << 7
)

const (
	fwmpVersion    = 0x10
	fwmpHashSize   = 32
	fwmpStructSize = 8 + fwmpHashSize
)

var errFWMPInvalid = errors.New("invalid firmware management parameters")

// FWMP contains the firmware management parameters.
type FWMP struct {
	Version    uint8
	Flags      FWMPFlags
	DevKeyHash [fwmpHashSize]byte
}

// defaultFWMP applies when no parameters have been provisioned.
var defaultFWMP = FWMP{Version: fwmpVersion}

// restrictiveFWMP applies when the provisioned parameters are corrupt.
var restrictiveFWMP = FWMP{Version: fwmpVersion, Flags: FWMPDevDisableCCDUnlock}

// crc8 computes a CRC-8 with the polynomial x^8 + x^2 + x + 1 and no
// reflection.
func crc8(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// Marshal encodes the parameters in their persistent form: a CRC byte, the
// structure size, the version, a reserved byte, the little-endian flags and
// the developer key hash. The CRC covers every byte after the first.
func (f *FWMP) Marshal() []byte {
	data := make([]byte, fwmpStructSize)
	data[1] = fwmpStructSize
	data[2] = f.Version
	binary.LittleEndian.PutUint32(data[4:], uint32(f.Flags))
	copy(data[8:], f.DevKeyHash[:])
	data[0] = crc8(data[1:])
	return data
}

// UnmarshalFWMP decodes the persistent form of the firmware management
// parameters.
func UnmarshalFWMP(data []byte) (*FWMP, error) {
	if len(data) < fwmpStructSize {
		return nil, fmt.Errorf("%w: too short (%d bytes)", errFWMPInvalid, len(data))
	}
	size := int(data[1])
	if size < fwmpStructSize || size > len(data) {
		return nil, fmt.Errorf("%w: bad size %d", errFWMPInvalid, size)
	}
	if data[2]>>4 != fwmpVersion>>4 {
		return nil, fmt.Errorf("%w: unsupported version %#x", errFWMPInvalid, data[2])
	}
	if crc := crc8(data[1:size]); crc != data[0] {
		return nil, fmt.Errorf("%w: bad CRC (got %#02x, expected %#02x)", errFWMPInvalid, data[0], crc)
	}

	f := &FWMP{
		Version: data[2],
		Flags:   FWMPFlags(binary.LittleEndian.Uint32(data[4:]))}
	copy(f.DevKeyHash[:], data[8:])
	return f, nil
}

// ReadFWMP implements [fifo.PlatformHooks.ReadFWMP]. Missing parameters
// place no restrictions on the device, whereas corrupt parameters are
// treated as the most restrictive configuration.
func (p *Platform) ReadFWMP() {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, ok := p.vars.Get(varFWMP)
	if !ok {
		p.fwmp = defaultFWMP
		return
	}

	fwmp, err := UnmarshalFWMP(data)
	if err != nil {
		p.log.Warnf("%v", err)
		p.fwmp = restrictiveFWMP
		return
	}
	p.fwmp = *fwmp
	p.log.Debugf("FWMP flags %#08x", uint32(fwmp.Flags))
}

// SetFWMP provisions new firmware management parameters. They take effect
// on the next call to ReadFWMP. Passing nil removes the parameters.
func (p *Platform) SetFWMP(fwmp *FWMP) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var data []byte
	if fwmp != nil {
		data = fwmp.Marshal()
	}
	if err := p.vars.Set(varFWMP, data); err != nil {
		return err
	}
	return p.vars.Commit()
}

// FWMP returns the firmware management parameters that were in effect at the
// last call to ReadFWMP.
func (p *Platform) FWMP() FWMP {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fwmp
}

// CCDUnlockAllowed indicates whether the current parameters permit the
// closed case debugging unlock.
func (p *Platform) CCDUnlockAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fwmp.Flags&FWMPDevDisableCCDUnlock == 0
}

// DevBootAllowed indicates whether the current parameters permit booting in
// developer mode.
func (p *Platform) DevBootAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fwmp.Flags&FWMPDevDisableBoot == 0
}
