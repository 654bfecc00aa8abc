// Copyright 2026 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ms5611

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

const (
	AddrCSBHigh uint16 = 0x76 // CSB pin tied to VCC
	AddrCSBLow  uint16 = 0x77 // CSB pin tied to GND, default

	CmdReset   byte = 0x1E
	CmdConvD1  byte = 0x40 // pressure conversion, OSR 256; add the OSR offset
	CmdConvD2  byte = 0x50 // temperature conversion, OSR 256; add the OSR offset
	CmdADCRead byte = 0x00

	// AddrPROM is the first of the six calibration words, 2 bytes apart.
	AddrPROM byte = 0xA2
)

const (
	// MilliBar is the unit used by the datasheet. 0.01mbar is exactly 1Pa.
	MilliBar = 100 * physic.Pascal

	// DefaultReferencePressure is the standard atmosphere at sea level.
	DefaultReferencePressure = 1013 * MilliBar

	// resetDelay lets the device reload its PROM after a reset.
	resetDelay = 5 * time.Millisecond

	// convTimePerSample is the ADC conversion time for each sample taken.
	convTimePerSample = 3 * time.Microsecond
)

var (
	// ErrNotInitialized is returned when a reading is requested before the
	// calibration was successfully loaded.
	ErrNotInitialized = errors.New("calibration not loaded")
	// ErrBadReference is returned for a zero or negative reference pressure.
	ErrBadReference = errors.New("reference pressure must be positive")
	// ErrBadAddress is returned by the constructors for an unknown address.
	ErrBadAddress = errors.New("given address not supported by device")
	// ErrBadInterval is returned by SenseContinuous for a non-positive
	// interval.
	ErrBadInterval = errors.New("interval must be positive")
)

// Oversampling is the number of ADC samples averaged by the device for each
// conversion.
//
// The higher the value, the longer a conversion takes and the lower the noise.
// Any value outside of the constants below is treated as O2048.
type Oversampling uint16

// Possible oversampling values.
const (
	O256  Oversampling = 256
	O512  Oversampling = 512
	O1024 Oversampling = 1024
	O2048 Oversampling = 2048
	O4096 Oversampling = 4096
)

func (o Oversampling) String() string {
	switch o {
	case O256, O512, O1024, O2048, O4096:
		return fmt.Sprintf("%dx", uint16(o))
	default:
		return fmt.Sprintf("Oversampling(%d)", uint16(o))
	}
}

// resolve returns the command offset and the effective oversampling.
func (o Oversampling) resolve() (byte, Oversampling) {
	switch o {
	case O256:
		return 0x00, O256
	case O512:
		return 0x02, O512
	case O1024:
		return 0x04, O1024
	case O4096:
		return 0x08, O4096
	default:
		return 0x06, O2048
	}
}

// convTime is the time to wait between starting a conversion and reading it.
func (o Oversampling) convTime() time.Duration {
	_, s := o.resolve()
	return time.Duration(s) * convTimePerSample
}

// State is the step the device is at in its acquisition cycle.
type State uint8

// Possible states.
const (
	Idle State = iota
	ResettingDevice
	CoefficientsLoaded
	ConvertingPressure
	ConvertingTemperature
	Computing
	DataReady
	Failed
)

const stateName = "IdleResettingDeviceCoefficientsLoadedConvertingPressureConvertingTemperatureComputingDataReadyFailed"

var stateIndex = [...]uint8{0, 4, 19, 37, 55, 76, 85, 94, 100}

func (s State) String() string {
	if s >= State(len(stateIndex)-1) {
		return fmt.Sprintf("State(%d)", s)
	}
	return stateName[stateIndex[s]:stateIndex[s+1]]
}

// Reading is one complete measurement.
type Reading struct {
	Temperature physic.Temperature
	Pressure    physic.Pressure
	// Altitude is relative to the reference pressure in effect when the
	// reading was taken.
	Altitude physic.Distance
}

// Celsius returns the temperature in °C.
func (r Reading) Celsius() float64 {
	return r.Temperature.Celsius()
}

// Millibar returns the pressure in mbar.
func (r Reading) Millibar() float64 {
	return float64(r.Pressure) / float64(MilliBar)
}

// Metres returns the altitude in metres.
func (r Reading) Metres() float64 {
	return float64(r.Altitude) / float64(physic.Metre)
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Oversampling:      O2048,
	ReferencePressure: DefaultReferencePressure,
}

// Opts defines the options for the device.
type Opts struct {
	// Oversampling is used by Sense and SenseContinuous. Acquire takes its
	// own value.
	Oversampling Oversampling
	// ReferencePressure is the pressure at altitude 0. Zero means
	// DefaultReferencePressure.
	ReferencePressure physic.Pressure
}

// NewI2C returns an object that communicates over I²C to a MS5611
// barometric pressure sensor.
//
// The address must be 0x76 or 0x77, depending on the level of the CSB pin.
// The device is reset and its calibration is read before returning.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	return New(NewI2CTransport(b), addr, opts)
}

// New returns an object that communicates with a MS5611 through t.
func New(t Transport, addr uint16, opts *Opts) (*Dev, error) {
	switch addr {
	case AddrCSBHigh, AddrCSBLow:
	default:
		return nil, fmt.Errorf("ms5611: %w", ErrBadAddress)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{t: t, addr: addr, name: "MS5611", opts: *opts}
	if err := d.Init(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to an initialized MS5611 device.
//
// A Dev owns its transport; two acquisitions never run at the same time on the
// same device.
type Dev struct {
	t    Transport
	addr uint16
	name string

	mu    sync.Mutex
	opts  Opts
	cal   calibration
	state State
	err   error
	ready bool
	last  Reading
	has   bool
	stop  chan struct{}
	done  chan struct{}
}

func (d *Dev) String() string {
	return fmt.Sprintf("%s{%v}", d.name, d.t)
}

// Init resets the device and reloads its calibration.
//
// It can be called again to recover after a failure. Until it succeeds, the
// device refuses to take readings.
func (d *Dev) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errors.New("already sensing continuously"))
	}
	d.ready = false
	d.cal.loaded = false

	d.state = ResettingDevice
	if err := d.t.SendCommand(d.addr, CmdReset); err != nil {
		return d.fail(&TransportError{Op: "reset", Err: err})
	}
	// The PROM is reloaded after a reset, reads are undefined until then.
	doSleep(resetDelay)

	if err := d.cal.load(d.t, d.addr); err != nil {
		return d.fail(err)
	}
	_, d.opts.Oversampling = d.opts.Oversampling.resolve()
	if d.opts.ReferencePressure <= 0 {
		d.opts.ReferencePressure = DefaultReferencePressure
	}
	d.state = CoefficientsLoaded
	d.err = nil
	return nil
}

// Acquire runs one full conversion cycle and returns the compensated
// measurement.
//
// An unsupported oversampling value is replaced with O2048. The call blocks
// for both conversions, about 2*osr*3µs. On failure the last good reading is
// kept and DataAvailable returns false.
func (d *Dev) Acquire(osr Oversampling) (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquire(osr)
}

// Sense requests a one time measurement as °C and Pa using the oversampling
// in Opts.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(errors.New("already sensing continuously"))
	}
	return d.sense(e)
}

// SenseContinuous returns measurements as °C and Pa on a continuous basis.
//
// The application must call Halt() to stop the sensing when done to stop the
// goroutine and close the channel.
//
// It's the responsibility of the caller to retrieve the values from the
// channel as fast as possible, otherwise the interval may not be respected.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	if interval <= 0 {
		return nil, d.wrap(ErrBadInterval)
	}
	// The sensing goroutine takes d.mu, so it must be stopped without holding
	// it.
	_ = d.Halt()

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another caller may have started sensing since Halt returned.
	if d.stop != nil {
		return nil, d.wrap(errors.New("already sensing continuously"))
	}
	if !d.cal.loaded {
		return nil, d.wrap(ErrNotInitialized)
	}

	sensing := make(chan physic.Env)
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		defer close(sensing)
		d.sensingContinuous(interval, sensing, stop)
	}(d.stop, d.done)
	return sensing, nil
}

// Precision implements physic.SenseEnv.
//
// The device resolves 0.01°C and 0.01mbar.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = 10 * physic.MilliKelvin
	e.Pressure = physic.Pascal
}

// Halt stops the continuous sensing started by SenseContinuous().
//
// The device itself idles between conversions and needs no command.
func (d *Dev) Halt() error {
	d.mu.Lock()
	if d.stop == nil {
		d.mu.Unlock()
		return nil
	}
	close(d.stop)
	done := d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	<-done
	return nil
}

// SetReferencePressure sets the pressure used as altitude 0.
func (d *Dev) SetReferencePressure(p physic.Pressure) error {
	if p <= 0 {
		return d.wrap(ErrBadReference)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.ReferencePressure = p
	return nil
}

// ReferencePressure returns the pressure used as altitude 0.
func (d *Dev) ReferencePressure() physic.Pressure {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.ReferencePressure
}

// DataAvailable reports whether the last acquisition cycle completed.
func (d *Dev) DataAvailable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// LastReading returns the last successful reading, if any.
func (d *Dev) LastReading() (Reading, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last, d.has
}

// State returns the current step of the acquisition cycle.
func (d *Dev) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Err returns why the device is in the Failed state, nil otherwise.
func (d *Dev) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

//

// acquire must be called with d.mu lock held.
func (d *Dev) acquire(osr Oversampling) (Reading, error) {
	offset, osr := osr.resolve()
	d.ready = false
	if !d.cal.loaded {
		return Reading{}, d.wrap(ErrNotInitialized)
	}

	d.state = ConvertingPressure
	d1, err := d.convert(CmdConvD1+offset, osr.convTime())
	if err != nil {
		return Reading{}, d.fail(err)
	}

	d.state = ConvertingTemperature
	d2, err := d.convert(CmdConvD2+offset, osr.convTime())
	if err != nil {
		return Reading{}, d.fail(err)
	}

	d.state = Computing
	temp, press := d.cal.compensate(d1, d2)
	r := Reading{
		Temperature: physic.Temperature(temp)*10*physic.MilliKelvin + physic.ZeroCelsius,
		Pressure:    physic.Pressure(press) * physic.Pascal,
	}
	r.Altitude = altitude(r.Pressure, d.opts.ReferencePressure)

	d.last, d.has = r, true
	d.ready = true
	d.state = DataReady
	d.err = nil
	return r, nil
}

// sense must be called with d.mu lock held.
func (d *Dev) sense(e *physic.Env) error {
	r, err := d.acquire(d.opts.Oversampling)
	if err != nil {
		return err
	}
	e.Temperature = r.Temperature
	e.Pressure = r.Pressure
	return nil
}

// convert starts a conversion with cmd, waits for it and reads the 24 bits
// result.
func (d *Dev) convert(cmd byte, wait time.Duration) (uint32, error) {
	if err := d.t.SendCommand(d.addr, cmd); err != nil {
		return 0, &TransportError{Op: fmt.Sprintf("start conversion %#02x", cmd), Err: err}
	}
	doSleep(wait)
	if err := d.t.SendCommand(d.addr, CmdADCRead); err != nil {
		return 0, &TransportError{Op: "adc read", Err: err}
	}
	b, err := d.t.ReadSequential(d.addr, 3)
	if err != nil {
		return 0, &TransportError{Op: "read adc", Err: err}
	}
	if len(b) != 3 {
		return 0, &TransportError{Op: "read adc", Err: ErrShortRead}
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

func (d *Dev) sensingContinuous(interval time.Duration, sensing chan<- physic.Env, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		// Do one initial sensing right away.
		e := physic.Env{}
		d.mu.Lock()
		err := d.sense(&e)
		d.mu.Unlock()
		if err != nil {
			log.Printf("%s: failed to sense: %v", d, err)
			return
		}
		select {
		case sensing <- e:
		case <-stop:
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

// fail must be called with d.mu lock held.
func (d *Dev) fail(err error) error {
	d.state = Failed
	d.err = err
	d.ready = false
	return d.wrap(err)
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
}

var doSleep = time.Sleep

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
