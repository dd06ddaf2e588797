// Copyright 2024 Canonical Ltd.
// Licensed under the LGPLv3 with static-linking exception.
// See LICENCE file for details.

package nvmem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/canonical/go-tpm2-fifo"
)

// MaxVarSize is the maximum length of a variable's key or value.
const MaxVarSize = 255

var (
	// ErrInvalidKey is returned when setting a variable with an empty or
	// oversized key.
	ErrInvalidKey = errors.New("invalid variable key")

	// ErrValueTooLarge is returned when setting a variable to a value that
	// is larger than MaxVarSize.
	ErrValueTooLarge = errors.New("variable value too large")
)

type tuple struct {
	key   string
	value []byte
}

// Vars is a set of key/value variables stored in a user region. Changes are
// made to a copy in memory and only reach the store when Commit is called.
//
// The region holds a sequence of tuples, each encoded as a key length byte,
// a value length byte, a reserved flags byte, the key and then the value. The
// sequence is terminated by a zero byte.
type Vars struct {
	store  *Store
	region fifo.UserRegion

	mu     sync.Mutex
	tuples []tuple
	loaded bool
}

// NewVars returns the variables held in the specified region of store.
func NewVars(store *Store, region fifo.UserRegion) *Vars {
	return &Vars{store: store, region: region}
}

// decodeVars decodes the contents of a region. Malformed contents are
// treated as an empty set.
func decodeVars(data []byte) (tuples []tuple, ok bool) {
	for len(data) > 0 {
		keyLen := int(data[0])
		if keyLen == 0 {
			return tuples, true
		}
		if len(data) < 3 {
			return nil, false
		}
		valLen := int(data[1])
		data = data[3:]
		if valLen == 0 || len(data) < keyLen+valLen {
			return nil, false
		}
		tuples = append(tuples, tuple{
			key:   string(data[:keyLen]),
			value: append([]byte(nil), data[keyLen:keyLen+valLen]...)})
		data = data[keyLen+valLen:]
	}
	// Missing terminator.
	return nil, len(tuples) == 0
}

func encodeVars(tuples []tuple) []byte {
	var out []byte
	for _, t := range tuples {
		out = append(out, byte(len(t.key)), byte(len(t.value)), 0)
		out = append(out, t.key...)
		out = append(out, t.value...)
	}
	return append(out, 0)
}

// load reads the region on first use. The caller must hold v.mu.
func (v *Vars) load() {
	if v.loaded {
		return
	}
	tuples, ok := decodeVars(v.store.Read(v.region))
	if !ok {
		v.store.log.Warnf("discarding malformed variables in %v region", v.region)
	}
	v.tuples = tuples
	v.loaded = true
}

// Get returns the value of the specified variable.
func (v *Vars) Get(key string) ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.load()
	for _, t := range v.tuples {
		if t.key == key {
			return append([]byte(nil), t.value...), true
		}
	}
	return nil, false
}

// Set assigns a value to the specified variable. Assigning a zero length
// value deletes the variable.
func (v *Vars) Set(key string, value []byte) error {
	if len(key) == 0 || len(key) > MaxVarSize {
		return fmt.Errorf("%w (%d bytes)", ErrInvalidKey, len(key))
	}
	if len(value) > MaxVarSize {
		return fmt.Errorf("%w (%d bytes)", ErrValueTooLarge, len(value))
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.load()
	for i, t := range v.tuples {
		if t.key != key {
			continue
		}
		if len(value) == 0 {
			v.tuples = append(v.tuples[:i], v.tuples[i+1:]...)
		} else {
			v.tuples[i].value = append([]byte(nil), value...)
		}
		return nil
	}
	if len(value) > 0 {
		v.tuples = append(v.tuples, tuple{key: key, value: append([]byte(nil), value...)})
	}
	return nil
}

// Commit writes the variables to the store.
func (v *Vars) Commit() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.load()
	return v.store.Write(v.region, encodeVars(v.tuples))
}

// Reload discards uncommitted changes.
func (v *Vars) Reload() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loaded = false
}
