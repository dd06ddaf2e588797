// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package mssim

// Commands understood by the simulator. Platform commands are sent on the
// platform channel and answered with a single 32-bit result.
const (
	cmdPowerOn        uint32 = 1
	cmdPowerOff       uint32 = 2
	cmdTPMSendCommand uint32 = 8
	cmdCancelOn       uint32 = 9
	cmdCancelOff      uint32 = 10
	cmdNVOn           uint32 = 11
	cmdNVOff          uint32 = 12
	cmdReset          uint32 = 17
	cmdSessionEnd     uint32 = 20
	cmdStop           uint32 = 21
)
