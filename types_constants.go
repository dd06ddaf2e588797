// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package fifo

import "fmt"

// CommandCode corresponds to the TPM_CC type.
type CommandCode uint32

// ResponseCode corresponds to the TPM_RC type.
type ResponseCode uint32

// StructTag corresponds to the TPM_ST type.
type StructTag uint16

const (
	TagRspCommand StructTag = 0x00c4 // TPM_ST_RSP_COMMAND
	TagNoSessions StructTag = 0x8001 // TPM_ST_NO_SESSIONS
	TagSessions   StructTag = 0x8002 // TPM_ST_SESSIONS
)

// The command codes that the interface layer needs to recognize.
const (
	CommandStartup   CommandCode = 0x00000144 // TPM_CC_Startup
	CommandPCRRead   CommandCode = 0x0000017e // TPM_CC_PCR_Read
	CommandSelfTest  CommandCode = 0x00000143 // TPM_CC_SelfTest
	CommandGetRandom CommandCode = 0x0000017b // TPM_CC_GetRandom

	// CommandVendorBit is set in all vendor-specific command codes.
	CommandVendorBit CommandCode = 0x20000000

	// CommandExtension is the original extension command code, which
	// predates the vendor bit.
	CommandExtension CommandCode = 0xbaccd00a
)

// IsExtension indicates whether this command is routed to the extension
// command router rather than to the TPM2 library.
func (c CommandCode) IsExtension() bool {
	return c == CommandExtension || c&CommandVendorBit != 0
}

func (c CommandCode) String() string {
	switch c {
	case CommandStartup:
		return "TPM_CC_Startup"
	case CommandPCRRead:
		return "TPM_CC_PCR_Read"
	case CommandSelfTest:
		return "TPM_CC_SelfTest"
	case CommandGetRandom:
		return "TPM_CC_GetRandom"
	case CommandExtension:
		return "EXTENSION_COMMAND"
	}
	if c&CommandVendorBit != 0 {
		return fmt.Sprintf("TPM_CC_VENDOR(0x%04x)", uint32(c)&0xffff)
	}
	return fmt.Sprintf("0x%08x", uint32(c))
}

const (
	ResponseSuccess ResponseCode = 0

	// ResponseVendorError is OR'd in to the result of a failed extension
	// command. It is a format-zero TPM2 error (V=1) with the T bit set to
	// indicate a vendor defined code. The low 7 bits carry the error number.
	ResponseVendorError ResponseCode = 0x00000500

	// Format-zero warnings that indicate that a command should be
	// resubmitted.
	ResponseYielded ResponseCode = 0x00000908 // TPM_RC_YIELDED
	ResponseTesting ResponseCode = 0x0000090a // TPM_RC_TESTING
	ResponseRetry   ResponseCode = 0x00000922 // TPM_RC_RETRY

	responseCodeE0 ResponseCode = 0x7f
)

// ShouldRetry indicates whether a command that completed with this code
// should be resubmitted. TPM_RC_TESTING is only retried for commands other
// than TPM2_SelfTest.
func (rc ResponseCode) ShouldRetry(command CommandCode) bool {
	switch rc {
	case ResponseYielded, ResponseRetry:
		return true
	case ResponseTesting:
		return command != CommandSelfTest
	default:
		return false
	}
}

// IsVendorError indicates whether this is a vendor defined format-zero error.
func (rc ResponseCode) IsVendorError() bool {
	return rc&^responseCodeE0 == ResponseVendorError
}

// VendorCommandCode identifies an extension or vendor-specific command. It is
// carried in the subcommand field of the command header.
type VendorCommandCode uint16

const (
	ExtensionAES       VendorCommandCode = 0
	ExtensionHash      VendorCommandCode = 1
	ExtensionRSA       VendorCommandCode = 2
	ExtensionECC       VendorCommandCode = 3
	ExtensionFWUpgrade VendorCommandCode = 4
	ExtensionHKDF      VendorCommandCode = 5
	ExtensionECIES     VendorCommandCode = 6
	ExtensionPostReset VendorCommandCode = 7

	VendorGetLock              VendorCommandCode = 16
	VendorSetLock              VendorCommandCode = 17
	VendorSysInfo              VendorCommandCode = 18
	VendorImmediateReset       VendorCommandCode = 19
	VendorInvalidateInactiveRW VendorCommandCode = 20
	VendorCommitNVMem          VendorCommandCode = 21
	VendorReportTPMState       VendorCommandCode = 23
	VendorTurnUpdateOn         VendorCommandCode = 24
	VendorGetBoardID           VendorCommandCode = 25
	VendorSetBoardID           VendorCommandCode = 26
)

// VendorResponseCode is the result of an extension or vendor-specific
// command. Only 7 bits are available.
type VendorResponseCode uint32

const (
	VendorRCSuccess        VendorResponseCode = 0
	VendorRCBogusArgs      VendorResponseCode = 1
	VendorRCReadFlashFail  VendorResponseCode = 2
	VendorRCWriteFlashFail VendorResponseCode = 3
	VendorRCRequestTooBig  VendorResponseCode = 4
	VendorRCResponseTooBig VendorResponseCode = 5
	VendorRCNoSuchCommand  VendorResponseCode = 127
)

// ResponseCode returns the code that is placed in the command code field of
// an extension command response.
func (rc VendorResponseCode) ResponseCode() ResponseCode {
	if rc == VendorRCSuccess {
		return ResponseSuccess
	}
	return ResponseCode(rc) | ResponseVendorError
}

func (rc VendorResponseCode) String() string {
	switch rc {
	case VendorRCSuccess:
		return "VENDOR_RC_SUCCESS"
	case VendorRCBogusArgs:
		return "VENDOR_RC_BOGUS_ARGS"
	case VendorRCReadFlashFail:
		return "VENDOR_RC_READ_FLASH_FAIL"
	case VendorRCWriteFlashFail:
		return "VENDOR_RC_WRITE_FLASH_FAIL"
	case VendorRCRequestTooBig:
		return "VENDOR_RC_REQUEST_TOO_BIG"
	case VendorRCResponseTooBig:
		return "VENDOR_RC_RESPONSE_TOO_BIG"
	case VendorRCNoSuchCommand:
		return "VENDOR_RC_NO_SUCH_COMMAND"
	default:
		return fmt.Sprintf("VENDOR_RC(%d)", uint32(rc))
	}
}
