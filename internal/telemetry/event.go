package telemetry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"

	"mes/internal/canonical"
	"mes/internal/models"
)

const maxEventTypeLen = 64

// eventFields: поля события из тела запроса.
type eventFields struct {
	equipmentCode string
	eventType     string
	eventTS       *time.Time
	payload       datatypes.JSON
}

// timestamp: время события; без timestamp в теле берётся время приёма.
func (e eventFields) timestamp(now time.Time) time.Time {
	if e.eventTS != nil {
		return *e.eventTS
	}
	return now
}

func parseEventFields(obj canonical.Object) (eventFields, error) {
	var ef eventFields

	code, _ := obj.Get("equipmentCode")
	s, ok := code.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return ef, ErrEquipmentCodeRequired
	}
	ef.equipmentCode = s

	ef.eventType = DefaultEventType
	switch v, _ := obj.Get("eventType"); t := v.(type) {
	case nil:
	case string:
		if t = strings.TrimSpace(t); t != "" {
			ef.eventType = t
		}
	default:
		return ef, models.ErrValidation.WithMessage("eventType must be a string")
	}
	if len(ef.eventType) > maxEventTypeLen {
		return ef, models.ErrValidation.WithMessage("eventType is too long")
	}

	ts, _ := obj.Get("timestamp")
	eventTS, err := parseEventTime(ts)
	if err != nil {
		return ef, err
	}
	ef.eventTS = eventTS

	payload, _ := obj.Get("payload")
	ef.payload, err = encodePayload(payload)
	if err != nil {
		return ef, err
	}
	return ef, nil
}

var errEventTime = models.ErrValidation.WithMessage("timestamp must be RFC3339 or unix time")

// parseEventTime: RFC3339 строка или unix-время числом
// (больше 1e12 считаем миллисекундами, иначе секундами).
func parseEventTime(v any) (*time.Time, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(t))
		if err != nil {
			return nil, errEventTime
		}
		parsed = parsed.UTC()
		return &parsed, nil
	case json.Number:
		f, err := strconv.ParseFloat(string(t), 64)
		if err != nil || f < 0 || math.IsInf(f, 0) || f > 1e15 {
			return nil, errEventTime
		}
		var parsed time.Time
		if f > 1e12 {
			parsed = time.UnixMilli(int64(f)).UTC()
		} else {
			sec, frac := math.Modf(f)
			parsed = time.Unix(int64(sec), int64(frac*1e9)).UTC()
		}
		return &parsed, nil
	default:
		return nil, errEventTime
	}
}

// encodePayload: объект/массив хранится в порядке, в каком его прислало устройство;
// строка, которая сама является JSON, хранится как есть.
func encodePayload(v any) (datatypes.JSON, error) {
	switch t := v.(type) {
	case nil:
		return datatypes.JSON(`{}`), nil
	case string:
		if json.Valid([]byte(t)) {
			return datatypes.JSON(t), nil
		}
		b, err := json.Marshal(t)
		if err != nil {
			return nil, models.ErrValidation.WithMessage("payload cannot be serialized")
		}
		return datatypes.JSON(b), nil
	default:
		b, err := canonical.Encode(t, canonical.Legacy)
		if err != nil {
			return nil, models.ErrValidation.WithMessage("payload cannot be serialized")
		}
		return datatypes.JSON(b), nil
	}
}
