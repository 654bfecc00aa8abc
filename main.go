package main

import (
	"BaroServer/ms5611"
	"context"
	"encoding/json"
	"fmt"
	"github.com/aldernero/scd4x"
	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
	"time"
)

type ProgramArgs struct {
	// Server Options
	Host    string `short:"H" long:"host" default:"127.0.0.1" description:"IP to listen on"`
	Port    uint16 `short:"P" long:"port" default:"27315" description:"Port to listen on"`
	Metrics bool   `short:"m" long:"metrics" description:"Expose Prometheus metrics on /metrics"`

	// Sensor Options
	Interval     uint16  `short:"I" long:"interval" default:"5" description:"Interval between readings"`
	I2CDevice    string  `short:"D" long:"i2cdev" description:"The used I2C device (default: auto)"`
	Address      uint16  `short:"a" long:"address" default:"77" base:"16" description:"MS5611 I2C address, 76 (CSB high) or 77 (CSB low)"`
	Oversampling uint16  `short:"o" long:"oversampling" default:"2048" description:"Samples per conversion: 256, 512, 1024, 2048 or 4096"`
	Reference    float64 `short:"r" long:"reference" default:"1013" description:"Reference pressure in mbar used for the altitude"`
	SCD4x        bool    `long:"scd4x" description:"Also read humidity and CO2 from a SCD4x on the same bus"`

	// InfluxDB Options
	InfluxURL    string `long:"influx-url" env:"INFLUX_URL" description:"InfluxDB URL, readings are not stored when empty"`
	InfluxToken  string `long:"influx-token" env:"INFLUX_TOKEN" description:"InfluxDB token"`
	InfluxOrg    string `long:"influx-org" env:"INFLUX_ORG" description:"InfluxDB organization"`
	InfluxBucket string `long:"influx-bucket" env:"INFLUX_BUCKET" description:"InfluxDB bucket"`
}

const (
	MIN_TIMEOUT_SECONDS = 2
)

type server struct {
	baro  barometer
	store *readingStore
	hub   *hub
	reg   *prometheus.Registry // nil when metrics are disabled
}

type referenceBody struct {
	Reference float64 `json:"reference"`
}

func (s *server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleReading).Methods(http.MethodGet)
	r.HandleFunc("/reference", s.handleGetReference).Methods(http.MethodGet)
	r.HandleFunc("/reference", s.handleSetReference).Methods(http.MethodPut)
	r.Handle("/ws", s.hub)
	if s.reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *server) handleReading(w http.ResponseWriter, r *http.Request) {
	reading, ok := s.store.get()
	if !ok {
		http.Error(w, "no reading yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, reading)
}

func (s *server) handleGetReference(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, referenceBody{Reference: float64(s.baro.ReferencePressure()) / float64(ms5611.MilliBar)})
}

func (s *server) handleSetReference(w http.ResponseWriter, r *http.Request) {
	var body referenceBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.baro.SetReferencePressure(mbarToPressure(body.Reference)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	log.Printf("Reference pressure set to %.2f mbar", body.Reference)
	s.handleGetReference(w, r)
}

// validateArgs rejects flag values the sampler can't run with.
func validateArgs(a ProgramArgs) error {
	if a.Interval == 0 {
		return fmt.Errorf("interval must be at least 1 second")
	}
	if a.Reference <= 0 {
		return fmt.Errorf("reference pressure must be positive, got %.2f mbar", a.Reference)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	jsonStr, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(500)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(jsonStr); err != nil {
		log.Printf("Couldn't send response: %v\n", err)
	}
}

func mbarToPressure(mbar float64) physic.Pressure {
	return physic.Pressure(math.Round(mbar * float64(ms5611.MilliBar)))
}

func getOutboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)

	return localAddr.IP
}

func setupI2CBus(i2cdev string) i2c.BusCloser {
	if _, err := host.Init(); err != nil {
		log.Fatalf("Initialization failed: %v", err)
	}

	bus, err := i2creg.Open(i2cdev)
	if err != nil {
		log.Fatalf("Couldn't open I2C device: %v", err)
	}

	return bus
}

// setupBaroSensor resets the MS5611 and reads its calibration.
func setupBaroSensor(i2cBus i2c.BusCloser) *ms5611.Dev {
	deviceOpts := ms5611.Opts{
		Oversampling:      ms5611.Oversampling(args.Oversampling),
		ReferencePressure: mbarToPressure(args.Reference),
	}

	dev, err := ms5611.NewI2C(i2cBus, args.Address, &deviceOpts)
	if err != nil {
		log.Fatalf("Couldn't initialize sensor: %v", err)
	}

	return dev
}

func setupSCDSensor(i2cBus i2c.BusCloser) *scd4x.SCD4x {
	sensor, err := scd4x.SensorInit(i2cBus, false)
	if err != nil {
		log.Fatalln(err.Error())
	}

	fmt.Println("Initializing SCD4x…")
	if err := sensor.StopMeasurements(); err != nil {
		log.Fatalf("Error while trying to stop periodic measurements: %v\n", err)
	}
	if err := sensor.StartMeasurements(); err != nil {
		log.Fatalf("Error while trying to start periodic measurements: %v\n", err)
	}
	fmt.Println("Done")

	return sensor
}

var args ProgramArgs

func main() {
	// go-flags reads the INFLUX_* variables, so .env must be loaded first.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	args = ProgramArgs{}
	argParser := flags.NewParser(&args, flags.Default)

	_, err := argParser.Parse()
	if err != nil {
		log.Fatal("arg parse fail")
	}
	if err := validateArgs(args); err != nil {
		log.Fatal(err)
	}

	// Boring i2c setup (error handling happens in these functions)
	bus := setupI2CBus(args.I2CDevice)
	defer bus.Close()

	baroDev := setupBaroSensor(bus)
	log.Printf("%s ready, oversampling %s, reference %.2f mbar", baroDev, ms5611.Oversampling(args.Oversampling), args.Reference)

	store := &readingStore{}
	smp := &sampler{
		baro:  baroDev,
		osr:   ms5611.Oversampling(args.Oversampling),
		store: store,
	}

	if args.SCD4x {
		scdDev := setupSCDSensor(bus)
		defer scdDev.StopMeasurements()
		smp.companion = func() (float64, uint16, error) {
			scdData, err := scdDev.ReadMeasurement()
			if err != nil {
				return 0, 0, err
			}
			return scdData.Rh, scdData.CO2, nil
		}
	}

	srv := &server{baro: baroDev, store: store, hub: newHub(store.get)}
	smp.sinks = append(smp.sinks, srv.hub)

	if args.Metrics {
		srv.reg = prometheus.NewRegistry()
		smp.metrics = newBaroMetrics(srv.reg)
	}

	if args.InfluxURL != "" {
		influx := newInfluxSink(args.InfluxURL, args.InfluxToken, args.InfluxOrg, args.InfluxBucket)
		defer influx.Close()
		smp.sinks = append(smp.sinks, influx)
		log.Printf("Writing readings to %s", args.InfluxURL)
	}

	// Start background measurements, the first one is taken right away
	ctx, stopSampling := context.WithCancel(context.Background())
	defer stopSampling()
	intervalDuration := time.Duration(args.Interval)
	go smp.run(ctx, intervalDuration*time.Second)

	timeoutLen := max(MIN_TIMEOUT_SECONDS, int(args.Interval))

	addr := fmt.Sprintf("%s:%d", args.Host, args.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		ReadTimeout:  time.Duration(timeoutLen) * time.Second,
		WriteTimeout: time.Duration(timeoutLen) * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      srv.router(),
	}

	go func() {
		if args.Host == "0.0.0.0" {
			localIP := getOutboundIP() // resolve local IP for easier debugging
			log.Printf("Listening on %s:%d…\n", localIP.String(), args.Port)
		} else {
			log.Printf("Listening on %s…\n", addr)
		}

		err := httpSrv.ListenAndServe()
		log.Printf("Shutdown (%v)\n", err)
	}()

	sigChan := make(chan os.Signal, 1)
	// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
	// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
	signal.Notify(sigChan, os.Interrupt)

	<-sigChan
	stopSampling()

	// Give the server a timeout period of 4 seconds
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	defer cancel()
	// Doesn't block if no connections, but will otherwise wait until the timeout deadline.
	_ = httpSrv.Shutdown(ctx)
}
