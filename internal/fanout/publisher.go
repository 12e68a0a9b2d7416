// Package fanout рассылает принятые события телеметрии во внешние приёмники
// (Kafka, InfluxDB). Рассылка идёт после коммита и на ответ устройству не влияет.
package fanout

import (
	"context"
	"errors"

	"mes/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, ev *models.TelemetryEvent) error
	Close() error
}

// Multi публикует во все приёмники; ошибка одного не останавливает остальные.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev *models.TelemetryEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
