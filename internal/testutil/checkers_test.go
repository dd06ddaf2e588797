// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil_test

import (
	"errors"
	"fmt"
	"io"
	"reflect"

	. "gopkg.in/check.v1"

	"github.com/canonical/go-tpm2-fifo"
	. "github.com/canonical/go-tpm2-fifo/internal/testutil"
)

func testInfo(c *C, checker Checker, name string, paramNames []string) {
	info := checker.Info()
	if info.Name != name {
		c.Fatalf("Got name %s, expected %s", info.Name, name)
	}
	if !reflect.DeepEqual(info.Params, paramNames) {
		c.Fatalf("Got param names %#v, expected %#v", info.Params, paramNames)
	}
}

func testCheck(c *C, checker Checker, result bool, error string, params ...interface{}) {
	info := checker.Info()
	if len(params) != len(info.Params) {
		c.Fatalf("unexpected param count in test; expected %d got %d", len(info.Params), len(params))
	}
	names := append([]string{}, info.Params...)
	resultActual, errorActual := checker.Check(params, names)
	if resultActual != result || errorActual != error {
		c.Fatalf("%s.Check(%#v) returned (%#v, %#v) rather than (%#v, %#v)",
			info.Name, params, resultActual, errorActual, result, error)
	}
}

type checkersSuite struct{}

var _ = Suite(&checkersSuite{})

func (s *checkersSuite) TestIsTrue(c *C) {
	testInfo(c, IsTrue, "IsTrue", []string{"value"})
	testCheck(c, IsTrue, true, "", true)
	testCheck(c, IsTrue, false, "", false)
	testCheck(c, IsTrue, false, "value is not a bool", 1)
}

func (s *checkersSuite) TestIsFalse(c *C) {
	testInfo(c, IsFalse, "IsFalse", []string{"value"})
	testCheck(c, IsFalse, true, "", false)
	testCheck(c, IsFalse, false, "", true)
	testCheck(c, IsFalse, false, "value is not a bool", "false")
}

func (s *checkersSuite) TestErrorIs(c *C) {
	testInfo(c, ErrorIs, "ErrorIs", []string{"value", "expected"})
	testCheck(c, ErrorIs, true, "", io.EOF, io.EOF)
	testCheck(c, ErrorIs, true, "", fmt.Errorf("foo: %w", io.EOF), io.EOF)
	testCheck(c, ErrorIs, true, "", fifo.ErrResetWaitNotAllowed, fifo.ErrResetBusy)
	testCheck(c, ErrorIs, false, "", errors.New("foo"), io.EOF)
	testCheck(c, ErrorIs, false, "value is not an error", 1, io.EOF)
	testCheck(c, ErrorIs, false, "expected is not an error", io.EOF, "foo")
}

func (s *checkersSuite) TestHasBits(c *C) {
	testInfo(c, HasBits, "HasBits", []string{"value", "mask"})
	testCheck(c, HasBits, true, "", fifo.StatusValid|fifo.StatusDataAvail, fifo.StatusDataAvail)
	testCheck(c, HasBits, true, "", fifo.StatusValid|fifo.StatusDataAvail, fifo.StatusValid|fifo.StatusDataAvail)
	testCheck(c, HasBits, false, "value: 0x80", fifo.StatusValid, fifo.StatusValid|fifo.StatusDataAvail)
	testCheck(c, HasBits, true, "", fifo.AccessRegValidSts|fifo.AccessActiveLocality, fifo.AccessActiveLocality)
	testCheck(c, HasBits, false, "value and mask have different types", fifo.StatusValid, uint32(0x80))
	testCheck(c, HasBits, false, "value is not an unsigned integer", -1, uint32(1))
}

func (s *checkersSuite) TestHasNoBits(c *C) {
	testInfo(c, HasNoBits, "HasNoBits", []string{"value", "mask"})
	testCheck(c, HasNoBits, true, "", fifo.StatusValid, fifo.StatusDataAvail|fifo.StatusExpect)
	testCheck(c, HasNoBits, false, "value: 0x88", fifo.StatusValid|fifo.StatusExpect, fifo.StatusDataAvail|fifo.StatusExpect)
	testCheck(c, HasNoBits, false, "mask is not an unsigned integer", fifo.StatusValid, "foo")
}

func (s *checkersSuite) TestContains(c *C) {
	testInfo(c, Contains, "Contains", []string{"value", "substring"})
	testCheck(c, Contains, true, "", "level=info msg=\"reset done\"", "reset done")
	testCheck(c, Contains, false, "", "foo", "bar")
	testCheck(c, Contains, false, "value is not a string", 1, "bar")
	testCheck(c, Contains, false, "substring is not a string", "foo", 1)
}
