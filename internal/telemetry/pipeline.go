// Package telemetry, приём подписанных событий телеметрии от оборудования.
//
// Конвейер на один запрос:
//
//	ParseHeaders -> ResolveKey -> CheckKeyStatus -> VerifyTimestampWindow ->
//	VerifySignature -> CheckNonce -> Persist -> UpdateLastSeen -> Done
//
// Любой шаг может закончиться Rejection. Запись nonce, события и last-seen
// идут одной транзакцией, поэтому при отказе или обрыве соединения в БД
// ничего не остаётся.
package telemetry

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mes/internal/canonical"
	"mes/internal/fanout"
	"mes/internal/logs"
	"mes/internal/models"
	"mes/internal/replay"
	"mes/internal/repo"
	"mes/internal/secrets"
	"mes/internal/signature"
	"mes/internal/vault"
)

const (
	HeaderDeviceKey = "X-Device-Key"
	HeaderTS        = "X-Ts"
	HeaderNonce     = "X-Nonce"
	HeaderSignature = "X-Signature"
	HeaderCanonical = "X-Canonical"

	DefaultEventType = "TELEMETRY"

	maxNonceLen           = 128
	defaultPublishTimeout = 5 * time.Second
	auditTimeout          = 2 * time.Second
)

type Headers struct {
	DeviceKeyID string
	Timestamp   string
	Nonce       string
	Signature   string
	Canonical   string
}

// HeadersFrom собирает заголовки через любой getter (http.Header.Get, MQTT-конверт).
func HeadersFrom(get func(string) string) Headers {
	return Headers{
		DeviceKeyID: strings.TrimSpace(get(HeaderDeviceKey)),
		Timestamp:   strings.TrimSpace(get(HeaderTS)),
		Nonce:       strings.TrimSpace(get(HeaderNonce)),
		Signature:   strings.TrimSpace(get(HeaderSignature)),
		Canonical:   strings.TrimSpace(get(HeaderCanonical)),
	}
}

type Request struct {
	TenantID string
	// ActorRole уходит в аудит (x-role для HTTP, DEVICE для MQTT).
	ActorRole string
	Headers   Headers
	Body      []byte
}

// Accepted: идентификаторы сохранённого события.
type Accepted struct {
	ID            uint      `json:"id"`
	EquipmentID   uint      `json:"equipmentId"`
	EquipmentCode string    `json:"equipmentCode"`
	EventType     string    `json:"eventType"`
	EventTS       time.Time `json:"eventTs"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

type Options struct {
	SkewWindow     time.Duration
	Publisher      fanout.Publisher // nil: без рассылки
	PublishTimeout time.Duration
}

type Pipeline struct {
	store   *repo.Store
	keys    *secrets.Directory
	guard   *replay.Guard
	pub     fanout.Publisher
	window  time.Duration
	pubWait time.Duration
	now     func() time.Time
	log     *logrus.Entry

	inflight sync.WaitGroup
}

func New(store *repo.Store, keys *secrets.Directory, guard *replay.Guard, opts Options) *Pipeline {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	return &Pipeline{
		store:   store,
		keys:    keys,
		guard:   guard,
		pub:     opts.Publisher,
		window:  opts.SkewWindow,
		pubWait: opts.PublishTimeout,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logs.With("telemetry"),
	}
}

// parsed хранит результат ParseHeaders. Заголовки и тело уже проверены,
// ключ ещё не трогали.
type parsed struct {
	tenantID string
	keyID    string
	ts       int64
	nonce    string
	sig      string
	mode     canonical.Mode
	body     canonical.Object
	event    eventFields
}

// Ingest проводит одно событие через весь конвейер.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Accepted, error) {
	in, err := p.parse(req)
	if err != nil {
		return nil, p.rejected(ctx, req, nil, err)
	}

	// ResolveKey
	eq, err := p.keys.Lookup(ctx, in.tenantID, in.keyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, p.rejected(ctx, req, in, reject(StageResolveKey, ErrDeviceKeyInvalid, err))
		}
		return nil, p.rejected(ctx, req, in, reject(StageResolveKey, models.ErrServer, err))
	}
	if eq.Code != in.event.equipmentCode {
		return nil, p.rejected(ctx, req, in, reject(StageResolveKey, ErrDeviceKeyInvalid,
			errors.New("equipmentCode does not match the key owner")))
	}

	// CheckKeyStatus
	if eq.KeyStatus != models.KeyStatusActive || !eq.HasKey() || !eq.IsActive {
		return nil, p.rejected(ctx, req, in, reject(StageCheckKeyStatus, ErrDeviceKeyInvalid,
			errors.New("key status "+string(eq.KeyStatus))))
	}

	// VerifyTimestampWindow
	now := p.now()
	window := int64(p.window / time.Second)
	if nowSec := now.Unix(); in.ts < nowSec-window || in.ts > nowSec+window {
		return nil, p.rejected(ctx, req, in, reject(StageVerifyTimestampWindow, ErrTimestampExpired, nil))
	}

	// VerifySignature
	secret, err := p.keys.Secret(eq)
	if err != nil {
		if errors.Is(err, vault.ErrIntegrity) {
			p.log.WithError(err).WithField("equipment_id", eq.ID).Error("device secret failed integrity check")
		}
		return nil, p.rejected(ctx, req, in, reject(StageVerifySignature, models.ErrServer, err))
	}
	body, err := canonical.Encode(in.body, in.mode)
	if err != nil {
		return nil, p.rejected(ctx, req, in, reject(StageVerifySignature, models.ErrServer, err))
	}
	signingString := signature.SigningString(in.tenantID, in.keyID, in.ts, in.nonce, body)
	if !signature.Verify(secret, signingString, in.sig) {
		return nil, p.rejected(ctx, req, in, reject(StageVerifySignature, ErrSignatureInvalid, nil))
	}

	// CheckNonce
	seen, err := p.guard.HasSeen(ctx, in.tenantID, eq.ID, in.nonce)
	if err != nil {
		return nil, p.rejected(ctx, req, in, reject(StageCheckNonce, models.ErrServer, err))
	}
	if seen {
		return nil, p.rejected(ctx, req, in, reject(StageCheckNonce, ErrNonceReplay, nil))
	}

	// Persist + UpdateLastSeen
	ev := &models.TelemetryEvent{
		TenantID:      in.tenantID,
		EquipmentID:   eq.ID,
		EquipmentCode: eq.Code,
		EventType:     in.event.eventType,
		EventTS:       in.event.timestamp(now),
		Payload:       in.event.payload,
		ReceivedAt:    now,
	}
	err = p.store.InTx(ctx, func(tx *repo.Store) error {
		if err := p.guard.Within(tx).Record(ctx, in.tenantID, eq.ID, in.nonce, in.ts); err != nil {
			return err
		}
		if err := tx.Events.Create(ctx, ev); err != nil {
			return err
		}
		if err := tx.Equipments.TouchLastSeen(ctx, eq.ID, now); err != nil {
			return err
		}
		return tx.Audit.Append(ctx, repo.AuditEntry{
			TenantID:  in.tenantID,
			ActorRole: req.ActorRole,
			Action:    models.AuditTelemetryCreate,
			Entity:    models.AuditEntityTelemetry,
			EntityID:  ev.ID,
			Payload:   map[string]any{"equipmentCode": ev.EquipmentCode, "eventType": ev.EventType},
		})
	})
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateNonce) {
			return nil, p.rejected(ctx, req, in, reject(StageCheckNonce, ErrNonceReplay, err))
		}
		return nil, p.rejected(ctx, req, in, reject(StagePersist, models.ErrServer, err))
	}

	// Done
	p.guard.Remember(context.WithoutCancel(ctx), in.tenantID, eq.ID, in.nonce)
	p.publish(ctx, ev)

	p.log.WithFields(logrus.Fields{
		"tenant":     in.tenantID,
		"device_key": in.keyID,
		"event_id":   ev.ID,
		"canonical":  in.mode.String(),
	}).Debug("telemetry event accepted")

	return &Accepted{
		ID:            ev.ID,
		EquipmentID:   ev.EquipmentID,
		EquipmentCode: ev.EquipmentCode,
		EventType:     ev.EventType,
		EventTS:       ev.EventTS,
		ReceivedAt:    ev.ReceivedAt,
	}, nil
}

// parse: ParseHeaders. Тело проверяется здесь же, до поиска ключа,
// чтобы ошибки валидации ничего не говорили о ключах.
func (p *Pipeline) parse(req Request) (*parsed, error) {
	h := req.Headers
	if req.TenantID == "" {
		return nil, reject(StageParseHeaders, models.ErrCompanyNeeded, nil)
	}
	if h.DeviceKeyID == "" || h.Timestamp == "" || h.Nonce == "" || h.Signature == "" {
		return nil, reject(StageParseHeaders, ErrAuthRequired, nil)
	}
	ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return nil, reject(StageParseHeaders, ErrTimestampInvalid, err)
	}
	// в строку подписи идёт FormatInt(ts), поэтому "+17..." и "017..." не принимаем
	if strconv.FormatInt(ts, 10) != h.Timestamp {
		return nil, reject(StageParseHeaders, ErrTimestampInvalid, errors.New("x-ts is not in canonical decimal form"))
	}
	if len(h.Nonce) > maxNonceLen {
		return nil, reject(StageParseHeaders, models.ErrValidation.WithMessage("x-nonce is too long"), nil)
	}

	mode, known := canonical.ParseMode(h.Canonical)
	if !known {
		p.log.WithField("x-canonical", h.Canonical).Warn("unknown canonical mode, using stable-json")
	}

	decoded, err := canonical.Decode(req.Body)
	if errors.Is(err, canonical.ErrLoneSurrogate) {
		return nil, reject(StageParseHeaders, models.ErrValidation.WithMessage("request body contains an unpaired UTF-16 surrogate"), err)
	}
	if err != nil {
		return nil, reject(StageParseHeaders, models.ErrValidation.WithMessage("request body must be a JSON object"), err)
	}
	obj, ok := decoded.(canonical.Object)
	if !ok {
		return nil, reject(StageParseHeaders, models.ErrValidation.WithMessage("request body must be a JSON object"), nil)
	}
	ef, err := parseEventFields(obj)
	if err != nil {
		return nil, reject(StageParseHeaders, asAPIError(err), err)
	}

	return &parsed{
		tenantID: req.TenantID,
		keyID:    h.DeviceKeyID,
		ts:       ts,
		nonce:    h.Nonce,
		sig:      h.Signature,
		mode:     mode,
		body:     obj,
		event:    ef,
	}, nil
}

// rejected логирует отказ и пишет CREATE_FAIL в аудит. В аудит попадает только
// внешний код: по записи нельзя отличить неизвестный ключ от отозванного.
func (p *Pipeline) rejected(ctx context.Context, req Request, in *parsed, err error) error {
	var rj *Rejection
	if !errors.As(err, &rj) {
		return err
	}
	entry := p.log.WithFields(logrus.Fields{
		"tenant":     req.TenantID,
		"device_key": req.Headers.DeviceKeyID,
		"stage":      rj.Stage,
		"code":       rj.Reason.Code,
	})
	if rj.Cause != nil {
		entry = entry.WithError(rj.Cause)
	}
	if rj.Reason.Status >= 500 {
		entry.Error("telemetry event rejected")
	} else {
		entry.Warn("telemetry event rejected")
	}

	if req.TenantID != "" {
		payload := map[string]any{"reason": rj.Reason.Code}
		if in != nil {
			payload["equipmentCode"] = in.event.equipmentCode
		}
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
		defer cancel()
		if aerr := p.store.Audit.Append(actx, repo.AuditEntry{
			TenantID:  req.TenantID,
			ActorRole: req.ActorRole,
			Action:    models.AuditTelemetryCreateFail,
			Entity:    models.AuditEntityTelemetry,
			Payload:   payload,
		}); aerr != nil {
			p.log.WithError(aerr).Warn("telemetry rejection audit failed")
		}
	}
	return rj
}

// publish рассылает событие в фоне; Wait дожидается отправки при остановке.
func (p *Pipeline) publish(ctx context.Context, ev *models.TelemetryEvent) {
	if p.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.pubWait)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		defer cancel()
		if err := p.pub.Publish(ctx, ev); err != nil {
			p.log.WithError(err).WithField("event_id", ev.ID).Warn("telemetry fan-out failed")
		}
	}()
}

// Wait: дождаться фоновой рассылки (graceful shutdown, тесты).
func (p *Pipeline) Wait() { p.inflight.Wait() }

func asAPIError(err error) *models.APIError {
	var ae *models.APIError
	if errors.As(err, &ae) {
		return ae
	}
	return models.ErrValidation
}
