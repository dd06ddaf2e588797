// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package testutil

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	. "gopkg.in/check.v1"
)

type isTrueChecker struct {
	*CheckerInfo
}

// IsTrue determines whether a boolean value is true.
var IsTrue Checker = &isTrueChecker{
	&CheckerInfo{Name: "IsTrue", Params: []string{"value"}}}

func (checker *isTrueChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value, ok := params[0].(bool)
	if !ok {
		return false, names[0] + " is not a bool"
	}
	return value, ""
}

type isFalseChecker struct {
	*CheckerInfo
}

// IsFalse determines whether a boolean value is false.
var IsFalse Checker = &isFalseChecker{
	&CheckerInfo{Name: "IsFalse", Params: []string{"value"}}}

func (checker *isFalseChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value, ok := params[0].(bool)
	if !ok {
		return false, names[0] + " is not a bool"
	}
	return !value, ""
}

type errorIsChecker struct {
	*CheckerInfo
}

// ErrorIs determines whether any error in a chain has a specific
// value, using errors.Is
//
// For example:
//
//	c.Check(err, ErrorIs, fifo.ErrResetBusy)
var ErrorIs Checker = &errorIsChecker{
	&CheckerInfo{Name: "ErrorIs", Params: []string{"value", "expected"}}}

func (checker *errorIsChecker) Check(params []interface{}, names []string) (result bool, errStr string) {
	err, ok := params[0].(error)
	if !ok {
		return false, "value is not an error"
	}

	expected, ok := params[1].(error)
	if !ok {
		return false, "expected is not an error"
	}

	return errors.Is(err, expected), ""
}

// bitsValue converts an unsigned integer kind to a uint64.
func bitsValue(v interface{}) (uint64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	default:
		return 0, false
	}
}

type bitsChecker struct {
	*CheckerInfo
	set bool
}

func (checker *bitsChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value, ok := bitsValue(params[0])
	if !ok {
		return false, names[0] + " is not an unsigned integer"
	}
	mask, ok := bitsValue(params[1])
	if !ok {
		return false, names[1] + " is not an unsigned integer"
	}
	if reflect.TypeOf(params[0]) != reflect.TypeOf(params[1]) {
		return false, names[0] + " and " + names[1] + " have different types"
	}

	if checker.set {
		result = value&mask == mask
	} else {
		result = value&mask == 0
	}
	if !result {
		error = fmt.Sprintf("value: %#x", value)
	}
	return result, error
}

// HasBits checks that all of the bits in mask are set in value. Both values
// must have the same unsigned integer type.
//
// For example:
//
//	c.Check(snapshot.Status, HasBits, fifo.StatusDataAvail|fifo.StatusValid)
var HasBits Checker = &bitsChecker{
	&CheckerInfo{Name: "HasBits", Params: []string{"value", "mask"}}, true}

// HasNoBits checks that none of the bits in mask are set in value. Both
// values must have the same unsigned integer type.
var HasNoBits Checker = &bitsChecker{
	&CheckerInfo{Name: "HasNoBits", Params: []string{"value", "mask"}}, false}

type containsChecker struct {
	*CheckerInfo
}

// Contains checks that a string contains a substring.
//
// For example:
//
//	c.Check(logs, Contains, "reset done")
var Contains Checker = &containsChecker{
	&CheckerInfo{Name: "Contains", Params: []string{"value", "substring"}}}

func (checker *containsChecker) Check(params []interface{}, names []string) (result bool, error string) {
	value, ok := params[0].(string)
	if !ok {
		return false, names[0] + " is not a string"
	}
	substring, ok := params[1].(string)
	if !ok {
		return false, names[1] + " is not a string"
	}
	return strings.Contains(value, substring), ""
}
