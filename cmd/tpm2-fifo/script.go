// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sanity-io/litter"
	"github.com/spf13/cobra"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/xerrors"

	"github.com/canonical/go-tpm2-fifo"
	"github.com/canonical/go-tpm2-fifo/bus"
	"github.com/canonical/go-tpm2-fifo/host"
)

// scriptBus is the bus used by host programs.
type scriptBus interface {
	host.Bus
	host.Errer
	Reset(wipe bool) error
}

// scriptHost runs Lua host programs against a device on a bus. Programs
// have access to the following globals in addition to the standard
// library:
//
//	put(addr, data)          write the string data to a register
//	get(addr, n)             read n bytes from a register
//	read32(addr)             read a 32-bit register
//	write32(addr, value)     write a 32-bit register
//	send(cmd)                submit a command and return the response
//	reset([wipe])            request a device reset
//	identity()               return a table with the identity registers
//	version()                return the firmware version string
//	dump(...)                print the device state, or the arguments
//	hex(s), unhex(s)         convert between binary and hex strings
//	REG_*, STS_*, ACCESS_*   register addresses and bits
type scriptHost struct {
	bus    scriptBus
	driver *host.Driver
	out    io.Writer
}

func newScriptHost(b scriptBus, out io.Writer, logger fifo.Logger) *scriptHost {
	return &scriptHost{
		bus:    b,
		driver: host.NewDriver(b, host.WithLogger(logger)),
		out:    out}
}

var scriptConstants = map[string]uint32{
	"REG_ACCESS":          fifo.RegAccess,
	"REG_INTF_CAPABILITY": fifo.RegIntfCapability,
	"REG_STS":             fifo.RegStatus,
	"REG_DATA_FIFO":       fifo.RegDataFIFO,
	"REG_INTERFACE_ID":    fifo.RegInterfaceID,
	"REG_DID_VID":         fifo.RegDIDVID,
	"REG_RID":             fifo.RegRID,
	"REG_FW_VER":          fifo.RegFWVersion,

	"STS_VALID":          uint32(fifo.StatusValid),
	"STS_COMMAND_READY":  uint32(fifo.StatusCommandReady),
	"STS_GO":             uint32(fifo.StatusGo),
	"STS_DATA_AVAIL":     uint32(fifo.StatusDataAvail),
	"STS_EXPECT":         uint32(fifo.StatusExpect),
	"STS_RESPONSE_RETRY": uint32(fifo.StatusResponseRetry),

	"ACCESS_ESTABLISHMENT":   uint32(fifo.AccessEstablishment),
	"ACCESS_REQUEST_USE":     uint32(fifo.AccessRequestUse),
	"ACCESS_ACTIVE_LOCALITY": uint32(fifo.AccessActiveLocality),
	"ACCESS_VALID":           uint32(fifo.AccessRegValidSts),
}

func (h *scriptHost) newState(ctx context.Context) *lua.LState {
	L := lua.NewState()
	L.SetContext(ctx)

	for name, value := range scriptConstants {
		L.SetGlobal(name, lua.LNumber(value))
	}
	for name, fn := range map[string]lua.LGFunction{
		"print":    h.print,
		"put":      h.put,
		"get":      h.get,
		"read32":   h.read32,
		"write32":  h.write32,
		"send":     h.send,
		"reset":    h.reset,
		"identity": h.identity,
		"version":  h.version,
		"dump":     h.dump,
		"hex":      luaHex,
		"unhex":    luaUnhex,
	} {
		L.SetGlobal(name, L.NewFunction(fn))
	}
	return L
}

// checkBus raises a Lua error if the bus has failed.
func (h *scriptHost) checkBus(L *lua.LState) {
	if err := h.bus.Err(); err != nil {
		L.RaiseError("bus error: %v", err)
	}
}

func (h *scriptHost) print(L *lua.LState) int {
	var args []string
	for i := 1; i <= L.GetTop(); i++ {
		args = append(args, L.ToStringMeta(L.Get(i)).String())
	}
	fmt.Fprintln(h.out, strings.Join(args, "\t"))
	return 0
}

func (h *scriptHost) put(L *lua.LState) int {
	addr := uint32(L.CheckInt64(1))
	data := L.CheckString(2)
	h.bus.Put(addr, []byte(data))
	h.checkBus(L)
	return 0
}

func (h *scriptHost) get(L *lua.LState) int {
	addr := uint32(L.CheckInt64(1))
	n := L.CheckInt(2)
	if n < 0 || n > bus.MaxTransferSize {
		L.ArgError(2, "invalid length")
	}
	data := make([]byte, n)
	h.bus.Get(addr, data)
	h.checkBus(L)
	L.Push(lua.LString(data))
	return 1
}

func (h *scriptHost) read32(L *lua.LState) int {
	addr := uint32(L.CheckInt64(1))
	var b [4]byte
	h.bus.Get(addr, b[:])
	h.checkBus(L)
	L.Push(lua.LNumber(binary.LittleEndian.Uint32(b[:])))
	return 1
}

func (h *scriptHost) write32(L *lua.LState) int {
	addr := uint32(L.CheckInt64(1))
	value := uint32(L.CheckInt64(2))
	h.bus.Put(addr, binary.LittleEndian.AppendUint32(nil, value))
	h.checkBus(L)
	return 0
}

func (h *scriptHost) send(L *lua.LState) int {
	cmd := L.CheckString(1)
	rsp, err := h.driver.SendContext(L.Context(), []byte(cmd))
	if err != nil {
		L.RaiseError("cannot send command: %v", err)
	}
	L.Push(lua.LString(rsp))
	return 1
}

func (h *scriptHost) reset(L *lua.LState) int {
	wipe := L.OptBool(1, false)
	if err := h.bus.Reset(wipe); err != nil {
		L.Push(lua.LString(err.Error()))
		return 1
	}
	// The reset returns the device to the idle state.
	h.driver.ReleaseLocality()
	L.Push(lua.LNil)
	return 1
}

func (h *scriptHost) readIdentity(L *lua.LState) host.Identity {
	id, err := h.driver.ReadIdentity()
	if err != nil {
		L.RaiseError("cannot read identity: %v", err)
	}
	return id
}

func (h *scriptHost) identity(L *lua.LState) int {
	id := h.readIdentity(L)
	t := L.NewTable()
	L.SetField(t, "vendor", lua.LNumber(id.VendorID))
	L.SetField(t, "device", lua.LNumber(id.DeviceID))
	L.SetField(t, "revision", lua.LNumber(id.RevisionID))
	L.SetField(t, "capability", lua.LNumber(id.IntfCapability))
	L.Push(t)
	return 1
}

func (h *scriptHost) version(L *lua.LState) int {
	v, err := h.driver.FirmwareVersion()
	if err != nil {
		L.RaiseError("cannot read firmware version: %v", err)
	}
	L.Push(lua.LString(v))
	return 1
}

// hostState is the device state as seen from the bus.
type hostState struct {
	Identity host.Identity
	Access   fifo.AccessBits
	Status   fifo.StatusBits
	Burst    int
}

func (h *scriptHost) state(L *lua.LState) hostState {
	var access [1]byte
	h.bus.Get(fifo.RegAccess, access[:])
	var sts [4]byte
	h.bus.Get(fifo.RegStatus, sts[:])
	status := fifo.StatusBits(binary.LittleEndian.Uint32(sts[:]))
	return hostState{
		Identity: h.readIdentity(L),
		Access:   fifo.AccessBits(access[0]),
		Status:   status,
		Burst:    status.BurstCount()}
}

func (h *scriptHost) dump(L *lua.LState) int {
	if L.GetTop() == 0 {
		fmt.Fprintln(h.out, litter.Sdump(h.state(L)))
		return 0
	}
	var values []interface{}
	for i := 1; i <= L.GetTop(); i++ {
		values = append(values, luaToGo(L.Get(i)))
	}
	fmt.Fprintln(h.out, litter.Sdump(values...))
	return 0
}

// luaToGo converts a Lua value to a Go value for dumping.
func luaToGo(v lua.LValue) interface{} {
	switch v := v.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		m := make(map[string]interface{})
		v.ForEach(func(k, val lua.LValue) {
			m[k.String()] = luaToGo(val)
		})
		return m
	case *lua.LNilType:
		return nil
	default:
		return v.String()
	}
}

func luaHex(L *lua.LState) int {
	L.Push(lua.LString(hex.EncodeToString([]byte(L.CheckString(1)))))
	return 1
}

func luaUnhex(L *lua.LState) int {
	s := strings.Join(strings.Fields(L.CheckString(1)), "")
	b, err := hex.DecodeString(s)
	if err != nil {
		L.ArgError(1, err.Error())
	}
	L.Push(lua.LString(b))
	return 1
}

// Run runs the program in src, which is named name in error messages.
func (h *scriptHost) Run(ctx context.Context, name, src string) error {
	L := h.newState(ctx)
	defer L.Close()
	defer h.driver.Close()

	fn, err := L.Load(strings.NewReader(src), name)
	if err != nil {
		return xerrors.Errorf("cannot load %s: %w", name, err)
	}
	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return xerrors.Errorf("%s failed: %w", name, err)
	}
	return nil
}

var dialBus = func(network, address string) (scriptBus, error) {
	c, err := bus.Dial(network, address)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newScriptCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "script FILE",
		Args:  cobra.ExactArgs(1),
		Short: "Run a Lua host program against the device on the register bus",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			var src []byte
			if args[0] == "-" {
				src, err = io.ReadAll(cmd.InOrStdin())
			} else {
				src, err = os.ReadFile(args[0])
			}
			if err != nil {
				return xerrors.Errorf("cannot read program: %w", err)
			}

			b, err := dialBus(cfg.Bus.Network, cfg.Bus.Address)
			if err != nil {
				return err
			}
			if closer, ok := b.(io.Closer); ok {
				defer closer.Close()
			}

			return newScriptHost(b, cmd.OutOrStdout(), logger).Run(cmd.Context(), args[0], string(src))
		},
	}
	return c
}
