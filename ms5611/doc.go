// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ms5611 controls a MEAS MS5611-01BA barometric pressure sensor over
// I²C.
//
// Each acquisition starts a pressure conversion, waits for the ADC, reads the
// raw value, then does the same for the temperature. Both raw values are
// compensated with the six factory coefficients read from the PROM at
// initialization, using the first and second order integer algorithm of the
// datasheet. The altitude is derived from the pressure and a configurable
// reference pressure.
//
// The driver is bus agnostic through the Transport interface; NewI2C wires it
// to a periph.io I²C bus.
//
// # Datasheet
//
// https://www.te.com/commerce/DocumentDelivery/DDEController?Action=showdoc&DocId=Data+Sheet%7FMS5611-01BA03%7FB3%7Fpdf%7FEnglish%7FENG_DS_MS5611-01BA03_B3.pdf
package ms5611
