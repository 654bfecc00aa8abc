// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ms5611

import (
	"math"

	"periph.io/x/conn/v3/physic"
)

// calibration holds the six factory coefficients C1..C6 read from the PROM.
//
// c[0] pressure sensitivity (SENS_T1)
// c[1] pressure offset (OFF_T1)
// c[2] temperature coefficient of pressure sensitivity (TCS)
// c[3] temperature coefficient of pressure offset (TCO)
// c[4] reference temperature (T_REF)
// c[5] temperature coefficient of the temperature (TEMPSENS)
type calibration struct {
	c      [6]uint16
	loaded bool
}

// load reads the six coefficients. The receiver is only updated when all six
// reads succeed; on failure it is marked as not loaded.
func (c *calibration) load(t Transport, addr uint16) error {
	var next [6]uint16
	c.loaded = false
	for i := range next {
		reg := AddrPROM + byte(i*2)
		b, err := t.ReadBytes(addr, reg, 2)
		if err != nil {
			return &TransportError{Op: "read prom", Err: err}
		}
		if len(b) != 2 {
			return &TransportError{Op: "read prom", Err: ErrShortRead}
		}
		next[i] = uint16(b[0])<<8 | uint16(b[1])
	}
	c.c = next
	c.loaded = true
	return nil
}

// secondOrder returns the low temperature corrections T2, OFF2 and SENS2 for
// the first order temperature temp (0.01°C) and difference dT.
//
// Nothing is corrected at or above 20°C. Below -15°C an additional term is
// added to OFF2 and SENS2.
func secondOrder(dT, temp int64) (t2, off2, sens2 int64) {
	if temp >= 2000 {
		return 0, 0, 0
	}
	t2 = (dT * dT) >> 31
	d := (temp - 2000) * (temp - 2000)
	off2 = 5 * d / 2
	sens2 = 5 * d / 4
	if temp < -1500 {
		d = (temp + 1500) * (temp + 1500)
		off2 += 7 * d
		sens2 += 11 * d / 2
	}
	return t2, off2, sens2
}

// compensate converts the raw pressure d1 and raw temperature d2 into
// temperature in 0.01°C and pressure in 0.01mbar.
//
// See the datasheet page 7 and 8 for the algorithm. Divisions truncate towards
// zero like the reference code; dT*dT is always positive so it is shifted.
func (c *calibration) compensate(d1, d2 uint32) (temp, press int64) {
	dT := int64(d2) - int64(c.c[4])<<8
	temp = 2000 + dT*int64(c.c[5])/(1<<23)

	t2, off2, sens2 := secondOrder(dT, temp)

	off := int64(c.c[1])<<16 + int64(c.c[3])*dT/(1<<7) - off2
	sens := int64(c.c[0])<<15 + int64(c.c[2])*dT/(1<<8) - sens2
	press = (int64(d1)*sens/(1<<21) - off) / (1 << 15)
	return temp - t2, press
}

// altitude returns the altitude above the reference pressure level using the
// international barometric formula.
//
// ref must be strictly positive.
func altitude(p, ref physic.Pressure) physic.Distance {
	feet := (1 - math.Pow(float64(p)/float64(ref), 0.19026)) * 288.15 / 0.00198122
	return physic.Distance(math.Round(feet * 0.3048 * float64(physic.Metre)))
}
