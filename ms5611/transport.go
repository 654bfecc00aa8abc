// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ms5611

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/i2c"
)

// Transport is the bus capability the driver needs.
//
// Implementations must return exactly count bytes on success. The driver
// treats any other length as a failure.
type Transport interface {
	// ReadBytes reads count bytes starting at register reg.
	ReadBytes(addr uint16, reg byte, count int) ([]byte, error)
	// SendCommand writes a single command byte.
	SendCommand(addr uint16, cmd byte) error
	// ReadSequential reads count bytes without addressing a register first.
	ReadSequential(addr uint16, count int) ([]byte, error)
}

// ErrShortRead is wrapped in a TransportError when the bus returned fewer or
// more bytes than requested.
var ErrShortRead = errors.New("unexpected byte count")

// TransportError is returned when any exchange with the device fails.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NewI2CTransport returns a Transport over a periph.io I²C bus.
func NewI2CTransport(b i2c.Bus) Transport {
	return &i2cTransport{b: b}
}

type i2cTransport struct {
	b i2c.Bus
}

func (t *i2cTransport) String() string {
	return t.b.String()
}

func (t *i2cTransport) ReadBytes(addr uint16, reg byte, count int) ([]byte, error) {
	b := make([]byte, count)
	if err := t.b.Tx(addr, []byte{reg}, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (t *i2cTransport) SendCommand(addr uint16, cmd byte) error {
	return t.b.Tx(addr, []byte{cmd}, nil)
}

func (t *i2cTransport) ReadSequential(addr uint16, count int) ([]byte, error) {
	b := make([]byte, count)
	if err := t.b.Tx(addr, nil, b); err != nil {
		return nil, err
	}
	return b, nil
}

var _ Transport = &i2cTransport{}
