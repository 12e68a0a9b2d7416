package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"mes/internal/models"
)

type InfluxPublisher struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func NewInfluxPublisher(url, token, org, bucket string) *InfluxPublisher {
	client := influxdb2.NewClient(url, token)
	return &InfluxPublisher{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
	}
}

func (p *InfluxPublisher) Publish(ctx context.Context, ev *models.TelemetryEvent) error {
	point, err := buildPoint(ev)
	if err != nil {
		return err
	}
	if err := p.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("influx write event %d: %w", ev.ID, err)
	}
	return nil
}

func (p *InfluxPublisher) Close() error {
	p.client.Close()
	return nil
}

// buildPoint: measurement = тип события, теги tenant/equipment,
// поля из плоского payload (вложенные ключи через "_").
func buildPoint(ev *models.TelemetryEvent) (*write.Point, error) {
	tags := map[string]string{
		"tenant":        ev.TenantID,
		"equipmentCode": ev.EquipmentCode,
		"equipmentId":   strconv.FormatUint(uint64(ev.EquipmentID), 10),
	}

	var payload any
	if len(ev.Payload) > 0 {
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode payload of event %d: %w", ev.ID, err)
		}
	}
	flat := map[string]any{}
	flatten("", payload, flat)

	fields := map[string]any{"event_id": int64(ev.ID)}
	for k, v := range flat {
		if fv, ok := normalizeFieldValue(v); ok {
			fields[sanitizeFieldKey(k)] = fv
		}
	}
	return write.NewPoint(ev.EventType, tags, fields, ev.EventTS), nil
}

func flatten(prefix string, v any, out map[string]any) {
	key := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "_" + k
	}
	switch t := v.(type) {
	case nil:
	case map[string]any:
		for k, val := range t {
			flatten(key(k), val, out)
		}
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			parts = append(parts, toScalarString(item))
		}
		out[prefix] = strings.Join(parts, ",")
	default:
		if prefix == "" {
			prefix = "value"
		}
		out[prefix] = t
	}
}

func toScalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		tmp := map[string]any{}
		flatten("", x, tmp)
		keys := make([]string, 0, len(tmp))
		for k := range tmp {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+":"+fmt.Sprint(tmp[k]))
		}
		return strings.Join(parts, "|")
	default:
		return fmt.Sprint(x)
	}
}

func normalizeFieldValue(v any) (any, bool) {
	switch x := v.(type) {
	case float64, bool, string:
		return x, true
	default:
		return nil, false
	}
}

var fieldKeyRe = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func sanitizeFieldKey(k string) string {
	k = strings.TrimSpace(k)
	k = fieldKeyRe.ReplaceAllString(k, "_")
	k = strings.Trim(k, "_")
	if k == "" {
		return "value"
	}
	return k
}
