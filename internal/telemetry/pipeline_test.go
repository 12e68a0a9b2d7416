package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"mes/internal/canonical"
	"mes/internal/db/dbtest"
	"mes/internal/models"
	"mes/internal/replay"
	"mes/internal/repo"
	"mes/internal/secrets"
	"mes/internal/signature"
	"mes/internal/vault"
)

var fixedNow = time.Unix(1_700_000_000, 0).UTC()

type fixture struct {
	t        *testing.T
	store    *repo.Store
	keys     *secrets.Directory
	pipeline *Pipeline
	eq       *models.Equipment
	creds    *secrets.Credentials
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	v, err := vault.New("test-master-key")
	if err != nil {
		t.Fatal(err)
	}
	store := repo.New(dbtest.New(t))
	keys := secrets.NewDirectory(store, v)
	guard := replay.NewGuard(store.Nonces, nil, time.Hour)
	if opts.SkewWindow == 0 {
		opts.SkewWindow = 300 * time.Second
	}
	p := New(store, keys, guard, opts)
	p.now = func() time.Time { return fixedNow }

	eq, err := store.Equipments.Create(ctx, repo.CreateEquipmentInput{TenantID: "T1", Code: "EQ-1", Name: "Press 1"})
	if err != nil {
		t.Fatal(err)
	}
	creds, err := keys.Issue(ctx, "T1", eq.ID, "ADMIN")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{t: t, store: store, keys: keys, pipeline: p, eq: eq, creds: creds}
}

// signedWith строит запрос так же, как его подписывает устройство.
func signedWith(t *testing.T, keyID, secret, body string, ts int64, nonce string, mode canonical.Mode) Request {
	t.Helper()
	decoded, err := canonical.Decode([]byte(body))
	if err != nil {
		t.Fatal(err)
	}
	cb, err := canonical.Encode(decoded, mode)
	if err != nil {
		t.Fatal(err)
	}
	sig := signature.Sign([]byte(secret), signature.SigningString("T1", keyID, ts, nonce, cb))
	return Request{
		TenantID: "T1",
		Headers: Headers{
			DeviceKeyID: keyID,
			Timestamp:   strconv.FormatInt(ts, 10),
			Nonce:       nonce,
			Signature:   sig,
			Canonical:   mode.String(),
		},
		Body: []byte(body),
	}
}

func (f *fixture) signed(body string, ts int64, nonce string) Request {
	return signedWith(f.t, f.creds.DeviceKeyID, f.creds.DeviceSecret, body, ts, nonce, canonical.Stable)
}

func (f *fixture) counts() (nonces, events int64) {
	f.t.Helper()
	nonces, _ = f.store.Nonces.Count(context.Background())
	_ = f.store.DB().Model(&models.TelemetryEvent{}).Count(&events).Error
	return nonces, events
}

func wantReason(t *testing.T, err error, reason *models.APIError) *Rejection {
	t.Helper()
	if !errors.Is(err, reason) {
		t.Fatalf("error = %v, want %s", err, reason.Code)
	}
	var rj *Rejection
	if !errors.As(err, &rj) {
		t.Fatalf("error %T is not a *Rejection", err)
	}
	return rj
}

func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	now := fixedNow.Unix()
	body := `{"equipmentCode":"EQ-1"}`

	acc, err := f.pipeline.Ingest(ctx, f.signed(body, now, "abc"))
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if acc.ID == 0 || acc.EquipmentID != f.eq.ID || acc.EquipmentCode != "EQ-1" || acc.EventType != DefaultEventType {
		t.Errorf("Accepted = %+v", acc)
	}
	if !acc.EventTS.Equal(fixedNow) || !acc.ReceivedAt.Equal(fixedNow) {
		t.Errorf("timestamps = %v / %v", acc.EventTS, acc.ReceivedAt)
	}

	eq, _ := f.store.Equipments.Get(ctx, "T1", f.eq.ID)
	if eq.LastSeenAt == nil || !eq.LastSeenAt.Equal(fixedNow) {
		t.Errorf("LastSeenAt = %v, want %v", eq.LastSeenAt, fixedNow)
	}
	if n, e := f.counts(); n != 1 || e != 1 {
		t.Errorf("nonces=%d events=%d, want 1/1", n, e)
	}

	_, err = f.pipeline.Ingest(ctx, f.signed(body, now, "abc"))
	wantReason(t, err, ErrNonceReplay)

	for _, shift := range []int64{600, -600} {
		_, err = f.pipeline.Ingest(ctx, f.signed(body, now+shift, "abc"))
		wantReason(t, err, ErrTimestampExpired)
	}
	if n, e := f.counts(); n != 1 || e != 1 {
		t.Errorf("rejections persisted data: nonces=%d events=%d", n, e)
	}
}

func TestTimestampWindowBoundaries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{SkewWindow: 300 * time.Second})
	now := fixedNow.Unix()
	body := `{"equipmentCode":"EQ-1"}`

	tests := []struct {
		ts   int64
		want *models.APIError
	}{
		{now - 300, nil},
		{now + 300, nil},
		{now - 301, ErrTimestampExpired},
		{now + 301, ErrTimestampExpired},
	}
	for i, tt := range tests {
		_, err := f.pipeline.Ingest(ctx, f.signed(body, tt.ts, "n-"+strconv.Itoa(i)))
		if tt.want == nil {
			if err != nil {
				t.Errorf("ts=now%+d: error = %v", tt.ts-now, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("ts=now%+d: error = %v, want %s", tt.ts-now, err, tt.want.Code)
		}
	}
}

func TestParseHeadersRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	valid := f.signed(`{"equipmentCode":"EQ-1"}`, fixedNow.Unix(), "abc")

	tests := []struct {
		name   string
		mutate func(r *Request)
		want   *models.APIError
	}{
		{"no tenant", func(r *Request) { r.TenantID = "" }, models.ErrCompanyNeeded},
		{"no key", func(r *Request) { r.Headers.DeviceKeyID = "" }, ErrAuthRequired},
		{"no ts", func(r *Request) { r.Headers.Timestamp = "" }, ErrAuthRequired},
		{"no nonce", func(r *Request) { r.Headers.Nonce = "" }, ErrAuthRequired},
		{"no signature", func(r *Request) { r.Headers.Signature = "" }, ErrAuthRequired},
		{"ts not integer", func(r *Request) { r.Headers.Timestamp = "1700000000.5" }, ErrTimestampInvalid},
		{"ts text", func(r *Request) { r.Headers.Timestamp = "yesterday" }, ErrTimestampInvalid},
		{"ts with plus sign", func(r *Request) { r.Headers.Timestamp = "+1700000000" }, ErrTimestampInvalid},
		{"ts with leading zero", func(r *Request) { r.Headers.Timestamp = "01700000000" }, ErrTimestampInvalid},
		{"body with lone surrogate", func(r *Request) {
			r.Body = []byte(`{"equipmentCode":"EQ-1","payload":{"s":"\ud800"}}`)
		}, models.ErrValidation},
		{"body not json", func(r *Request) { r.Body = []byte(`{`) }, models.ErrValidation},
		{"body array", func(r *Request) { r.Body = []byte(`[1]`) }, models.ErrValidation},
		{"no equipment code", func(r *Request) { r.Body = []byte(`{"payload":{}}`) }, ErrEquipmentCodeRequired},
		{"equipment code not string", func(r *Request) { r.Body = []byte(`{"equipmentCode":7}`) }, ErrEquipmentCodeRequired},
		// ошибка тела возвращается раньше проверки ключа
		{"unknown key and bad body", func(r *Request) {
			r.Headers.DeviceKeyID = "dk_unknown"
			r.Body = []byte(`{}`)
		}, ErrEquipmentCodeRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid
			tt.mutate(&req)
			_, err := f.pipeline.Ingest(ctx, req)
			var ae *models.APIError
			if !errors.As(err, &ae) || ae.Code != tt.want.Code {
				t.Fatalf("error = %v, want %s", err, tt.want.Code)
			}
			var rj *Rejection
			if errors.As(err, &rj) && rj.Stage != StageParseHeaders {
				t.Errorf("stage = %s, want ParseHeaders", rj.Stage)
			}
		})
	}
	if n, e := f.counts(); n != 0 || e != 0 {
		t.Errorf("nonces=%d events=%d after rejections", n, e)
	}
}

func (f *fixture) audit(action string) []models.AuditLog {
	f.t.Helper()
	var rows []models.AuditLog
	err := f.store.DB().
		Where("entity = ? AND action = ?", models.AuditEntityTelemetry, action).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		f.t.Fatal(err)
	}
	return rows
}

func TestIngestionIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})

	req := f.signed(`{"equipmentCode":"EQ-1","eventType":"ALARM"}`, fixedNow.Unix(), "abc")
	req.ActorRole = "VIEWER"
	acc, err := f.pipeline.Ingest(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.pipeline.Ingest(ctx, req); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("replay error = %v", err)
	}
	unknown := req
	unknown.Headers.DeviceKeyID = "dk_unknown"
	unknown.Headers.Nonce = "other"
	_, _ = f.pipeline.Ingest(ctx, unknown)
	noTenant := req
	noTenant.TenantID = ""
	_, _ = f.pipeline.Ingest(ctx, noTenant)

	created := f.audit(models.AuditTelemetryCreate)
	if len(created) != 1 {
		t.Fatalf("CREATE rows = %d, want 1", len(created))
	}
	if c := created[0]; c.EntityID != acc.ID || c.TenantID != "T1" || c.ActorRole != "VIEWER" {
		t.Errorf("CREATE row = %+v", c)
	}
	var payload map[string]any
	_ = json.Unmarshal(created[0].Payload, &payload)
	if payload["equipmentCode"] != "EQ-1" || payload["eventType"] != "ALARM" {
		t.Errorf("CREATE payload = %v", payload)
	}

	// запрос без тенанта в аудит не попадает
	failed := f.audit(models.AuditTelemetryCreateFail)
	if len(failed) != 2 {
		t.Fatalf("CREATE_FAIL rows = %d, want 2", len(failed))
	}
	for i, want := range []string{"TELEMETRY_NONCE_REPLAY", "TELEMETRY_DEVICE_KEY_INVALID"} {
		var p map[string]any
		_ = json.Unmarshal(failed[i].Payload, &p)
		if p["reason"] != want || p["equipmentCode"] != "EQ-1" || len(p) != 2 {
			t.Errorf("CREATE_FAIL[%d] payload = %v, want reason %s", i, p, want)
		}
		if failed[i].EntityID != 0 {
			t.Errorf("CREATE_FAIL[%d] entity id = %d", i, failed[i].EntityID)
		}
	}
}

func TestDeviceKeyInvalidIsIndistinguishable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	now := fixedNow.Unix()

	other, _ := f.store.Equipments.Create(ctx, repo.CreateEquipmentInput{TenantID: "T1", Code: "EQ-2"})
	if _, err := f.keys.Issue(ctx, "T1", other.ID, "ADMIN"); err != nil {
		t.Fatal(err)
	}

	unknown := signedWith(t, "dk_000000000000000000000000", f.creds.DeviceSecret, `{"equipmentCode":"EQ-1"}`, now, "n1", canonical.Stable)
	otherTenant := f.signed(`{"equipmentCode":"EQ-1"}`, now, "n2")
	otherTenant.TenantID = "T2"
	mismatch := f.signed(`{"equipmentCode":"EQ-2"}`, now, "n3")

	var messages []string
	for name, req := range map[string]Request{"unknown": unknown, "other tenant": otherTenant, "code mismatch": mismatch} {
		_, err := f.pipeline.Ingest(ctx, req)
		rj := wantReason(t, err, ErrDeviceKeyInvalid)
		if rj.Stage != StageResolveKey {
			t.Errorf("%s: stage = %s", name, rj.Stage)
		}
		messages = append(messages, rj.Reason.Message)
	}

	if err := f.keys.Revoke(ctx, "T1", f.eq.ID, "ADMIN"); err != nil {
		t.Fatal(err)
	}
	_, err := f.pipeline.Ingest(ctx, f.signed(`{"equipmentCode":"EQ-1"}`, now, "n4"))
	rj := wantReason(t, err, ErrDeviceKeyInvalid)
	if rj.Stage != StageCheckKeyStatus {
		t.Errorf("revoked: stage = %s", rj.Stage)
	}
	for _, m := range messages {
		if m != rj.Reason.Message {
			t.Errorf("revoked message %q differs from %q", rj.Reason.Message, m)
		}
	}
}

func TestRevokedKeyRejectedRegardlessOfSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	if err := f.keys.Revoke(ctx, "T1", f.eq.ID, "ADMIN"); err != nil {
		t.Fatal(err)
	}
	for i, sig := range []string{"", "deadbeef"} {
		req := f.signed(`{"equipmentCode":"EQ-1"}`, fixedNow.Unix(), "r"+strconv.Itoa(i))
		if sig != "" {
			req.Headers.Signature = sig
		}
		_, err := f.pipeline.Ingest(ctx, req)
		wantReason(t, err, ErrDeviceKeyInvalid)
	}
}

func TestRotateInvalidatesPreviousKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	now := fixedNow.Unix()
	body := `{"equipmentCode":"EQ-1"}`
	old := f.creds

	fresh, err := f.keys.Rotate(ctx, "T1", f.eq.ID, "ADMIN")
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.pipeline.Ingest(ctx, signedWith(t, old.DeviceKeyID, old.DeviceSecret, body, now, "a", canonical.Stable))
	wantReason(t, err, ErrDeviceKeyInvalid)

	_, err = f.pipeline.Ingest(ctx, signedWith(t, fresh.DeviceKeyID, old.DeviceSecret, body, now, "b", canonical.Stable))
	wantReason(t, err, ErrSignatureInvalid)

	if _, err := f.pipeline.Ingest(ctx, signedWith(t, fresh.DeviceKeyID, fresh.DeviceSecret, body, now, "c", canonical.Stable)); err != nil {
		t.Fatalf("fresh key rejected: %v", err)
	}
}

func TestSignatureInvalidPersistsNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	req := f.signed(`{"equipmentCode":"EQ-1","payload":{"t":1}}`, fixedNow.Unix(), "abc")

	tampered := req
	tampered.Body = []byte(`{"equipmentCode":"EQ-1","payload":{"t":2}}`)
	_, err := f.pipeline.Ingest(ctx, tampered)
	wantReason(t, err, ErrSignatureInvalid)

	flipped := req
	flipped.Headers.Signature = "0" + req.Headers.Signature[1:]
	if flipped.Headers.Signature == req.Headers.Signature {
		flipped.Headers.Signature = "1" + req.Headers.Signature[1:]
	}
	_, err = f.pipeline.Ingest(ctx, flipped)
	wantReason(t, err, ErrSignatureInvalid)

	if n, e := f.counts(); n != 0 || e != 0 {
		t.Errorf("nonces=%d events=%d", n, e)
	}
	// nonce не сгорел: корректный запрос с тем же nonce проходит
	if _, err := f.pipeline.Ingest(ctx, req); err != nil {
		t.Errorf("valid request after forgeries: %v", err)
	}
}

func TestCanonicalModes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	now := fixedNow.Unix()
	body := `{"payload":{"z":1,"a":2},"equipmentCode":"EQ-1"}`
	key, secret := f.creds.DeviceKeyID, f.creds.DeviceSecret

	legacy := signedWith(t, key, secret, body, now, "l1", canonical.Legacy)
	if _, err := f.pipeline.Ingest(ctx, legacy); err != nil {
		t.Errorf("legacy-json request rejected: %v", err)
	}

	mislabeled := signedWith(t, key, secret, body, now, "l2", canonical.Legacy)
	mislabeled.Headers.Canonical = canonical.HeaderStable
	_, err := f.pipeline.Ingest(ctx, mislabeled)
	wantReason(t, err, ErrSignatureInvalid)

	unknown := signedWith(t, key, secret, body, now, "l3", canonical.Stable)
	unknown.Headers.Canonical = "xml"
	if _, err := f.pipeline.Ingest(ctx, unknown); err != nil {
		t.Errorf("unknown mode did not fall back to stable-json: %v", err)
	}

	absent := signedWith(t, key, secret, body, now, "l4", canonical.Stable)
	absent.Headers.Canonical = ""
	if _, err := f.pipeline.Ingest(ctx, absent); err != nil {
		t.Errorf("request without x-canonical rejected: %v", err)
	}
}

func TestConcurrentDuplicatesOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	req := f.signed(`{"equipmentCode":"EQ-1"}`, fixedNow.Unix(), "race")

	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.pipeline.Ingest(ctx, req)
			results <- err
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var ok, replay int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNonceReplay):
			replay++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || replay != n-1 {
		t.Errorf("accepted=%d replays=%d, want 1/%d", ok, replay, n-1)
	}
	if nonces, events := f.counts(); nonces != 1 || events != 1 {
		t.Errorf("nonces=%d events=%d", nonces, events)
	}
}

func TestCorruptedSecretIsServerError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	err := f.store.DB().Model(&models.Equipment{}).Where("id = ?", f.eq.ID).
		Update("device_key_secret_enc", "bm90LWEtY2lwaGVydGV4dC1hdC1hbGwtbm90LWF0LWFsbA==").Error
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.pipeline.Ingest(ctx, f.signed(`{"equipmentCode":"EQ-1"}`, fixedNow.Unix(), "abc"))
	rj := wantReason(t, err, models.ErrServer)
	if !errors.Is(err, vault.ErrIntegrity) || rj.Stage != StageVerifySignature {
		t.Errorf("error = %v", err)
	}
	if rj.Reason.Message != models.ErrServer.Message {
		t.Errorf("internal detail leaked: %q", rj.Reason.Message)
	}
}

func TestEventFieldsArePersisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	now := fixedNow.Unix()

	tests := []struct {
		body        string
		wantType    string
		wantTS      time.Time
		wantPayload string
	}{
		{`{"equipmentCode":"EQ-1","eventType":"ALARM","timestamp":"2024-05-01T12:00:00+09:00","payload":{"b":1,"a":[1,2]}}`,
			"ALARM", time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC), `{"b":1,"a":[1,2]}`},
		{`{"equipmentCode":"EQ-1","timestamp":1714564800000,"payload":"{\"raw\":true}"}`,
			DefaultEventType, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), `{"raw":true}`},
		{`{"equipmentCode":"EQ-1","timestamp":1714564800,"payload":"plain text"}`,
			DefaultEventType, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), `"plain text"`},
		{`{"equipmentCode":"EQ-1","eventType":"","payload":null}`,
			DefaultEventType, fixedNow, `{}`},
	}
	for i, tt := range tests {
		acc, err := f.pipeline.Ingest(ctx, f.signed(tt.body, now, "ev-"+strconv.Itoa(i)))
		if err != nil {
			t.Fatalf("case %d: Ingest() error = %v", i, err)
		}
		var ev models.TelemetryEvent
		if err := f.store.DB().First(&ev, acc.ID).Error; err != nil {
			t.Fatal(err)
		}
		if ev.EventType != tt.wantType || !ev.EventTS.Equal(tt.wantTS) || string(ev.Payload) != tt.wantPayload {
			t.Errorf("case %d: type=%s ts=%v payload=%s", i, ev.EventType, ev.EventTS, ev.Payload)
		}
	}

	for _, body := range []string{
		`{"equipmentCode":"EQ-1","timestamp":"not a date"}`,
		`{"equipmentCode":"EQ-1","timestamp":true}`,
		`{"equipmentCode":"EQ-1","eventType":5}`,
	} {
		_, err := f.pipeline.Ingest(ctx, f.signed(body, now, "bad"))
		wantReason(t, err, models.ErrValidation)
	}
}

type chanPublisher struct{ ch chan *models.TelemetryEvent }

func (c chanPublisher) Publish(_ context.Context, ev *models.TelemetryEvent) error {
	c.ch <- ev
	return errors.New("sink unavailable")
}
func (chanPublisher) Close() error { return nil }

func TestAcceptedEventsAreFannedOut(t *testing.T) {
	pub := chanPublisher{ch: make(chan *models.TelemetryEvent, 1)}
	f := newFixture(t, Options{Publisher: pub})

	acc, err := f.pipeline.Ingest(context.Background(), f.signed(`{"equipmentCode":"EQ-1","payload":{"t":1}}`, fixedNow.Unix(), "abc"))
	if err != nil {
		t.Fatalf("publisher failure must not reject: %v", err)
	}
	f.pipeline.Wait()

	select {
	case ev := <-pub.ch:
		if ev.ID != acc.ID {
			t.Errorf("published event %d, want %d", ev.ID, acc.ID)
		}
		var payload map[string]any
		if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload["t"] != 1.0 {
			t.Errorf("payload = %s", ev.Payload)
		}
	default:
		t.Fatal("event was not published")
	}
}

func TestStatus(t *testing.T) {
	now := fixedNow
	recent := now.Add(-2 * time.Minute)
	old := now.Add(-6 * time.Minute)
	for _, tt := range []struct {
		last *time.Time
		want string
	}{
		{nil, StatusNever},
		{&time.Time{}, StatusNever},
		{&recent, StatusOK},
		{&old, StatusWarning},
	} {
		if got := Status(tt.last, 5*time.Minute, now); got != tt.want {
			t.Errorf("Status(%v) = %s, want %s", tt.last, got, tt.want)
		}
	}
}
