package server

import (
	"github.com/sirupsen/logrus"

	"mes/config"
	"mes/internal/fanout"
	"mes/internal/logs"
	"mes/internal/mqttbridge"
	"mes/internal/replay"
)

// newPublisher собирает приёмники рассылки из конфига; nil, если ни один не настроен.
func newPublisher(cfg *config.Config) fanout.Publisher {
	log := logs.With("fanout")
	var sinks fanout.Multi

	if len(cfg.Kafka.Brokers) > 0 && cfg.Kafka.Topic != "" {
		sinks = append(sinks, fanout.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		log.WithFields(logrus.Fields{"brokers": cfg.Kafka.Brokers, "topic": cfg.Kafka.Topic}).Info("kafka fan-out enabled")
	}
	if in := cfg.Influx; in.URL != "" && in.Bucket != "" {
		sinks = append(sinks, fanout.NewInfluxPublisher(in.URL, in.Token, in.Org, in.Bucket))
		log.WithFields(logrus.Fields{"url": in.URL, "bucket": in.Bucket}).Info("influx fan-out enabled")
	}

	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}

// newNonceCache: общий кэш nonce в Redis; nil, если redis.addr пуст.
func newNonceCache(cfg *config.Config) (*replay.RedisCache, error) {
	if cfg.Redis.Addr == "" {
		return nil, nil
	}
	return replay.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
}

func mqttConfig(cfg *config.Config) mqttbridge.Config {
	return mqttbridge.Config{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Topic:    cfg.MQTT.Topic,
		QoS:      byte(cfg.MQTT.QoS),
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	}
}
