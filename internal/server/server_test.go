package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/espwatch/espwatch/internal/config"
	"github.com/espwatch/espwatch/internal/telemetry"
	"github.com/espwatch/espwatch/internal/telemetry/types"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Backup.Dir = filepath.Join(cfg.DataDir, "backups")

	svc, err := telemetry.New(cfg, telemetry.Options{})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(func() { svc.Stop() })

	return New(cfg, svc, nil)
}

func doJSON(t *testing.T, s *Server, method, path string, body any, role string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	if role != "" {
		req.Header.Set(RoleHeader, role)
	}
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)
	return w
}

var ingestTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func sampleReading(temp float64) types.Reading {
	return types.Reading{
		EntityID:    "WELL-1",
		TimestampMs: ingestTime.UnixMilli(),
		Metrics: map[string]float64{
			types.MetricMotorTemperature: temp,
			types.MetricFlowRate:         120,
		},
		Quality: 100,
	}
}

func TestIngestAndQueryRaw(t *testing.T) {
	s := testServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/readings", sampleReading(85), "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d, want 202: %s", w.Code, w.Body)
	}

	var diag types.Diagnosis
	if err := json.Unmarshal(w.Body.Bytes(), &diag); err != nil {
		t.Fatalf("decode diagnosis: %v", err)
	}
	if diag.Code != types.CodeNormal {
		t.Errorf("diagnosis = %s, want NORMAL", diag.Code)
	}

	from := strconv.FormatInt(ingestTime.Add(-time.Minute).UnixMilli(), 10)
	to := strconv.FormatInt(ingestTime.Add(time.Minute).UnixMilli(), 10)
	w = doJSON(t, s, http.MethodGet,
		"/v1/telemetry?entity_id=WELL-1&granularity=raw&from="+from+"&to="+to, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", w.Code, w.Body)
	}

	var resp struct {
		EntityID string          `json:"entity_id"`
		Readings []types.Reading `json:"readings"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Readings) != 1 {
		t.Fatalf("got %d readings, want 1", len(resp.Readings))
	}
	if resp.Readings[0].Metrics[types.MetricMotorTemperature] != 85 {
		t.Errorf("temperature = %v, want 85", resp.Readings[0].Metrics[types.MetricMotorTemperature])
	}
}

func TestIngestCriticalDiagnosis(t *testing.T) {
	s := testServer(t)

	w := doJSON(t, s, http.MethodPost, "/v1/readings", sampleReading(110), "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d: %s", w.Code, w.Body)
	}

	var diag types.Diagnosis
	if err := json.Unmarshal(w.Body.Bytes(), &diag); err != nil {
		t.Fatalf("decode diagnosis: %v", err)
	}
	if diag.Code != types.CodeMotorOverheat || diag.Severity != types.SeverityCritical {
		t.Errorf("diagnosis = %s/%s, want MOTOR_OVERHEAT/critical", diag.Code, diag.Severity)
	}
}

func TestIngestValidation(t *testing.T) {
	s := testServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"missing entity", types.Reading{TimestampMs: ingestTime.UnixMilli(), Metrics: map[string]float64{types.MetricFlowRate: 1}}},
		{"no metrics", types.Reading{EntityID: "WELL-1", TimestampMs: ingestTime.UnixMilli()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s, http.MethodPost, "/v1/readings", tt.body, "")
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400: %s", w.Code, w.Body)
			}
		})
	}

	// Malformed JSON.
	req := httptest.NewRequest(http.MethodPost, "/v1/readings", strings.NewReader("{nope"))
	w := httptest.NewRecorder()
	s.routes().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body: status = %d, want 400", w.Code)
	}
}

// An explicit zero quality is a real value: it must screen the sample
// as untrustworthy, while an absent field defaults to full confidence.
func TestIngestQualityZeroVsAbsent(t *testing.T) {
	s := testServer(t)

	rd := sampleReading(85)
	rd.Quality = 0
	w := doJSON(t, s, http.MethodPost, "/v1/readings", rd, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d: %s", w.Code, w.Body)
	}
	var diag types.Diagnosis
	if err := json.Unmarshal(w.Body.Bytes(), &diag); err != nil {
		t.Fatalf("decode diagnosis: %v", err)
	}
	if diag.Code != types.CodeLowQualitySample {
		t.Errorf("diagnosis = %s, want LOW_QUALITY_SAMPLE for quality 0", diag.Code)
	}

	absent := map[string]any{
		"entity_id":    "WELL-2",
		"timestamp_ms": ingestTime.UnixMilli(),
		"metrics":      map[string]float64{types.MetricFlowRate: 120},
	}
	w = doJSON(t, s, http.MethodPost, "/v1/readings", absent, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d: %s", w.Code, w.Body)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &diag); err != nil {
		t.Fatalf("decode diagnosis: %v", err)
	}
	if diag.Code != types.CodeNormal {
		t.Errorf("diagnosis = %s, want NORMAL for absent quality", diag.Code)
	}
}

func TestTelemetryRequiresEntity(t *testing.T) {
	s := testServer(t)

	w := doJSON(t, s, http.MethodGet, "/v1/telemetry", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/v1/telemetry?entity_id=WELL-1&granularity=weekly", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown granularity: status = %d, want 400", w.Code)
	}
}

func TestAdminRequiresRole(t *testing.T) {
	s := testServer(t)

	adminCalls := []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/v1/admin/backups", nil},
		{http.MethodPost, "/v1/admin/lifecycle/run", runCycleRequest{Kind: types.CycleRollup}},
	}

	for _, call := range adminCalls {
		w := doJSON(t, s, call.method, call.path, call.body, "")
		if w.Code != http.StatusForbidden {
			t.Errorf("%s %s without role: status = %d, want 403", call.method, call.path, w.Code)
		}

		w = doJSON(t, s, call.method, call.path, call.body, "admin")
		if w.Code != http.StatusOK {
			t.Errorf("%s %s with admin role: status = %d: %s", call.method, call.path, w.Code, w.Body)
		}
	}

	// Query operations stay open.
	w := doJSON(t, s, http.MethodGet, "/v1/entities", nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("entities without role: status = %d, want 200", w.Code)
	}
}

func TestRestoreWithoutForceIs428(t *testing.T) {
	s := testServer(t)

	// Back up an empty range first so a record exists.
	w := doJSON(t, s, http.MethodPost, "/v1/admin/backups", backupRequest{
		From: strconv.FormatInt(ingestTime.UnixMilli(), 10),
		To:   strconv.FormatInt(ingestTime.Add(time.Hour).UnixMilli(), 10),
	}, "admin")
	if w.Code != http.StatusCreated {
		t.Fatalf("backup status = %d: %s", w.Code, w.Body)
	}
	var rec types.BackupRecord
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}

	w = doJSON(t, s, http.MethodPost, "/v1/admin/restore", restoreRequest{BackupID: rec.ID}, "admin")
	if w.Code != http.StatusPreconditionRequired {
		t.Errorf("restore without force: status = %d, want 428: %s", w.Code, w.Body)
	}

	w = doJSON(t, s, http.MethodPost, "/v1/admin/restore", restoreRequest{BackupID: rec.ID, Force: true}, "admin")
	if w.Code != http.StatusOK {
		t.Errorf("forced restore: status = %d: %s", w.Code, w.Body)
	}
}

// Every stream frame carries the subscription's cumulative dropped
// count, so a client can detect loss and re-query the store.
func TestStreamFrameCarriesDroppedCount(t *testing.T) {
	s := testServer(t)

	ts := httptest.NewServer(s.routes())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream?topic=telemetry:WELL-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	// The subscription registers after the upgrade; publish only once
	// the service sees it.
	deadline := time.Now().Add(2 * time.Second)
	for s.svc.Status().Subscribers == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	w := doJSON(t, s, http.MethodPost, "/v1/readings", sampleReading(85), "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest status = %d: %s", w.Code, w.Body)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame struct {
		Topic    string `json:"topic"`
		Kind     string `json:"kind"`
		EntityID string `json:"entity_id"`
		Dropped  *int64 `json:"dropped"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}

	if frame.Topic != "telemetry:WELL-1" || frame.EntityID != "WELL-1" {
		t.Errorf("frame = %+v, want telemetry:WELL-1", frame)
	}
	if frame.Dropped == nil {
		t.Fatal("frame must carry the dropped count")
	}
	if *frame.Dropped != 0 {
		t.Errorf("dropped = %d, want 0 for a keeping-up consumer", *frame.Dropped)
	}
}

func TestHealthAndLifecycleStatus(t *testing.T) {
	s := testServer(t)

	w := doJSON(t, s, http.MethodGet, "/healthz", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", w.Code)
	}
	var status telemetry.Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.Running {
		t.Error("service should report running")
	}
	if status.LifecycleState != types.StateIdle {
		t.Errorf("lifecycle state = %s, want IDLE", status.LifecycleState)
	}

	w = doJSON(t, s, http.MethodGet, "/v1/lifecycle/status", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("lifecycle status = %d", w.Code)
	}
	var ls map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &ls); err != nil {
		t.Fatalf("decode lifecycle status: %v", err)
	}
	if ls["state"] != types.StateIdle {
		t.Errorf("state = %v, want IDLE", ls["state"])
	}
}
