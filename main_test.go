package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"BaroServer/ms5611"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"periph.io/x/conn/v3/physic"
)

func newTestServer(withMetrics bool) (*server, *fakeBaro, *sampler) {
	baro := newFakeBaro()
	store := &readingStore{}
	srv := &server{baro: baro, store: store, hub: newHub(store.get)}
	smp := &sampler{baro: baro, store: store, sinks: []sink{srv.hub}}
	if withMetrics {
		srv.reg = prometheus.NewRegistry()
		smp.metrics = newBaroMetrics(srv.reg)
	}
	return srv, baro, smp
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestReadingHandler(t *testing.T) {
	srv, _, smp := newTestServer(false)
	h := srv.router()

	if rec := do(t, h, http.MethodGet, "/", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d before the first reading", rec.Code)
	}

	if err := smp.sample(time.Date(2026, 10, 18, 8, 0, 0, 0, time.UTC)); err != nil {
		t.Fatal(err)
	}
	rec := do(t, h, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got["temperature"] != 20.07 || got["pressure"] != 1000.09 || got["reference"] != 1013.0 {
		t.Fatalf("unexpected body %s", rec.Body)
	}
	if got["updated"] != "2026-10-18 08:00:00" {
		t.Fatalf("unexpected body %s", rec.Body)
	}
	if _, ok := got["co2"]; ok {
		t.Fatalf("co2 must be omitted without SCD4x: %s", rec.Body)
	}

	if rec := do(t, h, http.MethodPost, "/", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d for POST", rec.Code)
	}
}

func TestReferenceHandler(t *testing.T) {
	srv, baro, _ := newTestServer(false)
	h := srv.router()

	rec := do(t, h, http.MethodGet, "/reference", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"reference":1013}` {
		t.Fatalf("%d %s", rec.Code, rec.Body)
	}

	rec = do(t, h, http.MethodPut, "/reference", `{"reference": 1009.2}`)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != `{"reference":1009.2}` {
		t.Fatalf("%d %s", rec.Code, rec.Body)
	}
	if p := baro.ReferencePressure(); p != 100920*physic.Pascal {
		t.Fatalf("reference = %s", p)
	}

	for _, body := range []string{`{"reference": 0}`, `{"reference": -5}`, `not json`} {
		if rec := do(t, h, http.MethodPut, "/reference", body); rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", body, rec.Code)
		}
	}
	if p := baro.ReferencePressure(); p != 100920*physic.Pascal {
		t.Fatalf("reference changed to %s", p)
	}
}

func TestMetricsHandler(t *testing.T) {
	srv, _, smp := newTestServer(true)
	if err := smp.sample(time.Now()); err != nil {
		t.Fatal(err)
	}
	rec := do(t, srv.router(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, want := range []string{"baro_readings_total 1", "baro_pressure_mbar 1000.09", "baro_failures_total 0"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("missing %q in\n%s", want, rec.Body)
		}
	}

	srv, _, _ = newTestServer(false)
	if rec := do(t, srv.router(), http.MethodGet, "/metrics", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d with metrics disabled", rec.Code)
	}
}

func TestWebSocket(t *testing.T) {
	srv, baro, smp := newTestServer(false)
	if err := smp.sample(time.Now()); err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	// The last reading is sent on connect.
	var got SensorReading
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Pressure != 1000.09 {
		t.Fatalf("unexpected reading %+v", got)
	}
	if n := srv.hub.count(); n != 1 {
		t.Fatalf("clients = %d", n)
	}

	baro.mu.Lock()
	baro.reading.Pressure = 95000 * physic.Pascal
	baro.mu.Unlock()
	if err := smp.sample(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatal(err)
	}
	if got.Pressure != 950 {
		t.Fatalf("unexpected reading %+v", got)
	}

	conn.Close()
	deadline := time.Now().Add(5 * time.Second)
	for srv.hub.count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client not removed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestInfluxSink(t *testing.T) {
	type request struct {
		path, query, auth, body string
	}
	requests := make(chan request, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		requests <- request{r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization"), string(b)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	s := newInfluxSink(ts.URL, "secret", "home", "weather")
	defer s.Close()

	reading := NewSensorReading(time.Unix(1700000000, 0))
	reading.Temperature = 20.07
	reading.Pressure = 1000.09
	reading.Altitude = 108.048
	reading.Reference = 1013
	reading.Humidity = 45.5
	reading.CO2 = 800
	s.Publish(reading)

	select {
	case req := <-requests:
		if req.path != "/api/v2/write" {
			t.Fatalf("path = %q", req.path)
		}
		if !strings.Contains(req.query, "bucket=weather") || !strings.Contains(req.query, "org=home") {
			t.Fatalf("query = %q", req.query)
		}
		if req.auth != "Token secret" {
			t.Fatalf("auth = %q", req.auth)
		}
		for _, want := range []string{"barometer,sensor=ms5611 ", "pressure=1000.09", "temperature=20.07", "co2=800i", " 1700000000000000000"} {
			if !strings.Contains(req.body, want) {
				t.Fatalf("missing %q in %q", want, req.body)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no write received")
	}
}

func TestMbarToPressure(t *testing.T) {
	if p := mbarToPressure(1013); p != ms5611.DefaultReferencePressure {
		t.Fatalf("%s", p)
	}
	if p := mbarToPressure(1009.2); p != 100920*physic.Pascal {
		t.Fatalf("%s", p)
	}
}

func TestValidateArgs(t *testing.T) {
	ok := ProgramArgs{Interval: 5, Reference: 1013}
	if err := validateArgs(ok); err != nil {
		t.Fatal(err)
	}
	data := []ProgramArgs{
		{Interval: 0, Reference: 1013},
		{Interval: 5, Reference: 0},
		{Interval: 5, Reference: -1},
	}
	for _, a := range data {
		if err := validateArgs(a); err == nil {
			t.Fatalf("%+v: expected error", a)
		}
	}
}
