// Package mqttbridge принимает подписанные события телеметрии по MQTT и
// прогоняет их через тот же конвейер, что и HTTP.
//
// Топик: mes/<tenant>/telemetry, сообщение:
//
//	{"headers":{"x-device-key":"..","x-ts":"..","x-nonce":"..","x-signature":"..","x-canonical":".."},"body":{...}}
//
// Результат публикуется в <topic>/ack.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"mes/internal/logs"
	"mes/internal/models"
	"mes/internal/telemetry"
)

const (
	ackSuffix      = "/ack"
	handleTimeout  = 10 * time.Second
	backoffStart   = time.Second
	backoffMax     = 30 * time.Second
	disconnectWait = 250 // ms

	actorDevice = "DEVICE"
)

type Ingester interface {
	Ingest(ctx context.Context, req telemetry.Request) (*telemetry.Accepted, error)
}

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Username string
	Password string
}

type Bridge struct {
	cfg    Config
	ingest Ingester
	client mqtt.Client
	log    *logrus.Entry
}

type envelope struct {
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

type ack struct {
	Nonce   string `json:"nonce,omitempty"`
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	EventID uint   `json:"eventId,omitempty"`
}

func New(cfg Config, ing Ingester) *Bridge {
	b := &Bridge{cfg: cfg, ingest: ing, log: logs.With("mqtt")}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetOrderMatters(false).
		SetCleanSession(false).
		SetKeepAlive(30 * time.Second).
		SetPingTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	// подписка в OnConnect, чтобы переживать переподключения
	opts.OnConnect = func(c mqtt.Client) {
		b.log.WithField("broker", cfg.Broker).Info("mqtt connected")
		if token := c.Subscribe(cfg.Topic, cfg.QoS, b.handle); token.Wait() && token.Error() != nil {
			b.log.WithError(token.Error()).Error("mqtt subscribe failed")
		} else {
			b.log.WithFields(logrus.Fields{"topic": cfg.Topic, "qos": cfg.QoS}).Info("mqtt subscribed")
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		b.log.WithError(err).Warn("mqtt connection lost")
	}

	b.client = mqtt.NewClient(opts)
	return b
}

// Run подключается с экспоненциальной задержкой и держит подписку до отмены ctx.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := backoffStart
	for {
		token := b.client.Connect()
		if token.Wait() && token.Error() == nil {
			break
		}
		b.log.WithError(token.Error()).Warnf("mqtt connect failed, retrying in %s", backoff)
		select {
		case <-time.After(backoff):
			if backoff < backoffMax {
				backoff *= 2
			}
		case <-ctx.Done():
			return nil
		}
	}

	<-ctx.Done()
	b.client.Disconnect(disconnectWait)
	b.log.Info("mqtt bridge stopped")
	return nil
}

func (b *Bridge) handle(c mqtt.Client, msg mqtt.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	res := b.process(ctx, msg.Topic(), msg.Payload())
	if c == nil {
		return
	}
	buf, err := json.Marshal(res)
	if err != nil {
		return
	}
	token := c.Publish(msg.Topic()+ackSuffix, b.cfg.QoS, false, buf)
	go func() {
		if token.WaitTimeout(handleTimeout) && token.Error() != nil {
			b.log.WithError(token.Error()).Warn("mqtt ack publish failed")
		}
	}()
}

func (b *Bridge) process(ctx context.Context, topic string, payload []byte) ack {
	tenant := tenantFrom(b.cfg.Topic, topic)

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.log.WithError(err).WithField("topic", topic).Warn("mqtt message is not an envelope")
		return ack{Code: models.ErrValidation.Code}
	}
	headers := make(map[string]string, len(env.Headers))
	for k, v := range env.Headers {
		headers[strings.ToLower(k)] = v
	}
	get := func(k string) string { return headers[strings.ToLower(k)] }

	req := telemetry.Request{
		TenantID:  tenant,
		ActorRole: actorDevice,
		Headers:   telemetry.HeadersFrom(get),
		Body:      env.Body,
	}
	res := ack{Nonce: req.Headers.Nonce}

	acc, err := b.ingest.Ingest(ctx, req)
	if err != nil {
		var ae *models.APIError
		if !errors.As(err, &ae) {
			ae = models.ErrServer
		}
		res.Code = ae.Code
		return res
	}
	res.Success = true
	res.EventID = acc.ID
	return res
}

// tenantFrom берёт сегмент топика на месте '+' в шаблоне подписки.
func tenantFrom(pattern, topic string) string {
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	for i, p := range ps {
		if p == "+" && i < len(ts) {
			return ts[i]
		}
	}
	return ""
}
