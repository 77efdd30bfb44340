package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	ObserveRun("ok", 0.2)
	ObserveRun("timeout", 30)
	IncLogWriteFailure()
	IncCycle()
	SetRegisteredJobs(2)
	SetInterval(5)
	IncRequest("add_command", "success")
	IncProtocolError()
	AddActiveConns(1)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"cmdloop_executor_runs_total":               false,
		"cmdloop_executor_run_duration_seconds":     false,
		"cmdloop_executor_log_write_failures_total": false,
		"cmdloop_scheduler_cycles_total":            false,
		"cmdloop_registry_jobs":                     false,
		"cmdloop_registry_interval_seconds":         false,
		"cmdloop_server_requests_total":             false,
		"cmdloop_server_protocol_errors_total":      false,
		"cmdloop_server_active_connections":         false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	ObserveRun("ok", 0.01)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "cmdloop_executor_runs_total") {
		t.Fatalf("metrics output missing runs_total: %s", s[:min(200, len(s))])
	}
}

func TestHelpersNoopBeforeRegister(t *testing.T) {
	regOK.Store(false)
	// must not panic
	ObserveRun("ok", 1)
	IncRequest("stop", "success")
	SetInterval(1)
}

func TestConcurrentIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	regOK.Store(false)
	if err := Register(reg); err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncRequest("get_programs", "success")
		}()
	}
	wg.Wait()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range mfs {
		if mf.GetName() != "cmdloop_server_requests_total" {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		if total < 50 {
			t.Fatalf("expected at least 50 requests, got %v", total)
		}
		return
	}
	t.Fatal("requests_total not found")
}
