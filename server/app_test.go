package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"

	"mes/config"
	"mes/internal/canonical"
	"mes/internal/fanout"
	"mes/internal/signature"
	"mes/internal/vault"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.HTTPPort = "0"
	cfg.Security.MasterKey = "test-master-key"
	cfg.Logging.Level = "error"
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	cfg.Redis.Addr = miniredis.RunT(t).Addr()
	cfg.Telemetry = config.Telemetry{
		SkewWindowSeconds:    300,
		NonceTTLSeconds:      86400,
		SweepIntervalSeconds: 600,
		StaleMinutes:         5,
		MaxBodyBytes:         1 << 20,
	}
	return cfg
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   struct {
		Code string `json:"code"`
	} `json:"error"`
}

func call(t *testing.T, h http.Handler, r *http.Request) (int, response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	var out response
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestApplicationEndToEnd(t *testing.T) {
	a := &App{}
	if err := a.Initialize(testConfig(t)); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	t.Cleanup(a.close)

	// оператор заводит оборудование и выпускает ключ
	req := httptest.NewRequest(http.MethodPost, "/api/v1/equipments", strings.NewReader(`{"code":"EQ-1","name":"Press"}`))
	req.Header.Set("x-company-id", "T1")
	req.Header.Set("x-role", "ADMIN")
	status, out := call(t, a.Router, req)
	if status != http.StatusCreated {
		t.Fatalf("create equipment: %d %s", status, out.Error.Code)
	}
	var eq struct {
		ID uint `json:"id"`
	}
	_ = json.Unmarshal(out.Data, &eq)

	req = httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/v1/equipments/%d/device-key/issue", eq.ID), nil)
	req.Header.Set("x-company-id", "T1")
	req.Header.Set("x-role", "ADMIN")
	status, out = call(t, a.Router, req)
	if status != http.StatusOK {
		t.Fatalf("issue key: %d %s", status, out.Error.Code)
	}
	var creds struct {
		KeyID  string `json:"deviceKeyId"`
		Secret string `json:"deviceSecret"`
	}
	_ = json.Unmarshal(out.Data, &creds)

	// устройство подписывает и отправляет событие
	body := `{"equipmentCode":"EQ-1","payload":{"temp":21.5}}`
	decoded, _ := canonical.Decode([]byte(body))
	cb, _ := canonical.Encode(decoded, canonical.Stable)
	ts := time.Now().Unix()
	sig := signature.Sign([]byte(creds.Secret), signature.SigningString("T1", creds.KeyID, ts, "n-1", cb))

	ingest := func() (int, response) {
		r := httptest.NewRequest(http.MethodPost, "/api/v1/telemetry/events", strings.NewReader(body))
		r.Header.Set("x-company-id", "T1")
		r.Header.Set("x-device-key", creds.KeyID)
		r.Header.Set("x-ts", strconv.FormatInt(ts, 10))
		r.Header.Set("x-nonce", "n-1")
		r.Header.Set("x-signature", sig)
		return call(t, a.Router, r)
	}
	if status, out = ingest(); status != http.StatusCreated || !out.Success {
		t.Fatalf("ingest: %d %s", status, out.Error.Code)
	}
	if status, out = ingest(); status != http.StatusConflict || out.Error.Code != "TELEMETRY_NONCE_REPLAY" {
		t.Errorf("replay: %d %s", status, out.Error.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/telemetry/events", nil)
	req.Header.Set("x-company-id", "T1")
	status, out = call(t, a.Router, req)
	var events []json.RawMessage
	_ = json.Unmarshal(out.Data, &events)
	if status != http.StatusOK || len(events) != 1 {
		t.Errorf("list: %d %s", status, out.Data)
	}

	req = httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/equipments/%d", eq.ID), nil)
	req.Header.Set("x-company-id", "T1")
	_, out = call(t, a.Router, req)
	var view struct {
		TelemetryStatus string `json:"telemetryStatus"`
	}
	_ = json.Unmarshal(out.Data, &view)
	if view.TelemetryStatus != "OK" {
		t.Errorf("telemetryStatus = %q, want OK", view.TelemetryStatus)
	}
}

func TestReadiness(t *testing.T) {
	a := &App{}
	if err := a.Initialize(testConfig(t)); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.close)

	rec := httptest.NewRecorder()
	a.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"redis"`) {
		t.Errorf("readyz = %d %s", rec.Code, rec.Body.String())
	}
}

func TestInitializeRequiresMasterKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Security.MasterKey = ""
	a := &App{}
	if err := a.Initialize(cfg); !errors.Is(err, vault.ErrMasterKeyMissing) {
		t.Fatalf("Initialize() error = %v, want ErrMasterKeyMissing", err)
	}
	if a.db != nil {
		t.Error("database opened before the master key was checked")
	}
}

func TestNewPublisher(t *testing.T) {
	cfg := testConfig(t)
	if p := newPublisher(cfg); p != nil {
		t.Errorf("publisher without sinks = %T", p)
	}
	cfg.Kafka.Brokers = []string{"127.0.0.1:9092"}
	cfg.Kafka.Topic = "mes.telemetry.events"
	cfg.Influx.URL = "http://127.0.0.1:8086"
	cfg.Influx.Bucket = "telemetry"
	p := newPublisher(cfg)
	t.Cleanup(func() { _ = p.Close() })
	if m, ok := p.(fanout.Multi); !ok || len(m) != 2 {
		t.Errorf("publisher = %T, want two sinks", p)
	}
}
