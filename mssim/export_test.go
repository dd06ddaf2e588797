// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package mssim

import "net"

type DeviceAddr = deviceAddr

const (
	CmdPowerOn        = cmdPowerOn
	CmdPowerOff       = cmdPowerOff
	CmdTPMSendCommand = cmdTPMSendCommand
	CmdCancelOn       = cmdCancelOn
	CmdCancelOff      = cmdCancelOff
	CmdNVOn           = cmdNVOn
	CmdReset          = cmdReset
	CmdSessionEnd     = cmdSessionEnd
	CmdStop           = cmdStop
)

func MockNetDial(fn func(string, string) (net.Conn, error)) (restore func()) {
	orig := netDial
	netDial = fn
	return func() {
		netDial = orig
	}
}

func NewMockDevice(tpm, platform *DeviceAddr, retryParams *RetryParams, locality uint8) *Device {
	return &Device{
		tpm:         *tpm,
		platform:    *platform,
		retryParams: *retryParams,
		locality:    locality,
	}
}
