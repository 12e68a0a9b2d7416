// Package canonical строит детерминированное JSON-представление тела запроса,
// которое устройство и сервер одинаково подписывают.
//
// Stable (stable-json) сортирует ключи объектов, Legacy (legacy-json) оставляет их
// в порядке появления. Legacy оставлен только для уже развёрнутых устройств;
// двойной режим подписи принят сознательно.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

type Mode int

const (
	Stable Mode = iota
	Legacy
)

const (
	HeaderStable = "stable-json"
	HeaderLegacy = "legacy-json"
)

func (m Mode) String() string {
	if m == Legacy {
		return HeaderLegacy
	}
	return HeaderStable
}

// ParseMode разбирает x-canonical. Пусто или неизвестное значение, Stable;
// второй результат false, если значение было непустым и неизвестным.
func ParseMode(header string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(header)) {
	case "", HeaderStable:
		return Stable, true
	case HeaderLegacy:
		return Legacy, true
	default:
		return Stable, false
	}
}

// Member: пара ключ/значение объекта.
type Member struct {
	Key   string
	Value any
}

// Object: JSON-объект с сохранённым порядком ключей.
type Object []Member

func (o Object) Get(key string) (any, bool) {
	for _, m := range o {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

var (
	ErrTrailingData = errors.New("canonical: trailing data after JSON value")
	ErrUnsupported  = errors.New("canonical: unsupported value type")
	// ErrLoneSurrogate: encoding/json заменяет непарный \uD800..\uDFFF на U+FFFD,
	// а JSON.stringify выводит его как есть. Подпись такого тела не сойдётся, отклоняем.
	ErrLoneSurrogate = errors.New("canonical: unpaired UTF-16 surrogate escape")
)

// Decode разбирает JSON, сохраняя порядок ключей.
// Объекты -> Object, массивы -> []any, числа -> json.Number.
// Повтор ключа: значение последнего, позиция первого (как JSON.parse).
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeValue(dec)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, ErrTrailingData
	}
	if hasLoneSurrogate(data) {
		return nil, ErrLoneSurrogate
	}
	return v, nil
}

// hasLoneSurrogate ищет \uXXXX-экранирования суррогатов без пары.
// Вызывается после успешного разбора: вне строк '\\' в валидном JSON не встречается.
func hasLoneSurrogate(data []byte) bool {
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' {
			continue
		}
		i++ // экранированный символ
		if i >= len(data) || data[i] != 'u' {
			continue
		}
		u, ok := hex4(data, i+1)
		if !ok {
			continue
		}
		i += 4
		switch {
		case u >= 0xDC00 && u <= 0xDFFF:
			return true
		case u >= 0xD800 && u <= 0xDBFF:
			if i+2 >= len(data) || data[i+1] != '\\' || data[i+2] != 'u' {
				return true
			}
			lo, ok := hex4(data, i+3)
			if !ok || lo < 0xDC00 || lo > 0xDFFF {
				return true
			}
			i += 6
		}
	}
	return false
}

func hex4(data []byte, at int) (uint16, bool) {
	if at+4 > len(data) {
		return 0, false
	}
	n, err := strconv.ParseUint(string(data[at:at+4]), 16, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil // string, json.Number, bool, nil
	}
	switch d {
	case '{':
		obj := Object{}
		idx := map[string]int{}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("canonical: object key is %T", kt)
			}
			val, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			if i, dup := idx[key]; dup {
				obj[i].Value = val
				continue
			}
			idx[key] = len(obj)
			obj = append(obj, Member{Key: key, Value: val})
		}
		if _, err := dec.Token(); err != nil { // '}'
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			val, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, val)
		}
		if _, err := dec.Token(); err != nil { // ']'
			return nil, err
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("canonical: unexpected delimiter %q", d)
	}
}

// Encode сериализует значение в режиме mode.
func Encode(v any, mode Mode) ([]byte, error) {
	var buf bytes.Buffer
	if err := encode(&buf, v, mode); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encode(buf *bytes.Buffer, v any, mode Mode) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if x {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		writeString(buf, x)
	case json.Number:
		// устройство подписывает число так, как его печатает JS: 1.50 -> 1.5, 1e2 -> 100
		f, err := strconv.ParseFloat(string(x), 64)
		if err != nil {
			return fmt.Errorf("canonical: invalid number literal %q", string(x))
		}
		return writeFloat(buf, f)
	case float64:
		return writeFloat(buf, x)
	case float32:
		return writeFloat(buf, float64(x))
	case int:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int32:
		buf.WriteString(strconv.FormatInt(int64(x), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(x, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint32:
		buf.WriteString(strconv.FormatUint(uint64(x), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(x, 10))
	case Object:
		members := append(Object(nil), x...)
		if mode == Stable {
			sort.SliceStable(members, func(i, j int) bool { return lessUTF16(members[i].Key, members[j].Key) })
		} else {
			orderLikeJS(members)
		}
		return writeObject(buf, members, mode)
	case map[string]any:
		// у map нет порядка вставки, сортируем в обоих режимах
		members := make(Object, 0, len(x))
		for k, val := range x {
			members = append(members, Member{Key: k, Value: val})
		}
		sort.Slice(members, func(i, j int) bool { return lessUTF16(members[i].Key, members[j].Key) })
		return writeObject(buf, members, mode)
	case []any:
		buf.WriteByte('[')
		for i, item := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, item, mode); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
	return nil
}

func writeObject(buf *bytes.Buffer, members Object, mode Mode) error {
	buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeString(buf, m.Key)
		buf.WriteByte(':')
		if err := encode(buf, m.Value, mode); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// Формат чисел encoding/json совпадает с ES6 Number.prototype.toString для JSON.
func writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical: %v is not representable in JSON", f)
	}
	if f == 0 {
		f = 0 // -0 печатается как 0
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf.Write(b)
	return nil
}

const hexDigits = "0123456789abcdef"

// writeString экранирует как JSON.stringify: без < и прочего HTML-экранирования.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				buf.WriteString(`\"`)
			case '\\':
				buf.WriteString(`\\`)
			case '\b':
				buf.WriteString(`\b`)
			case '\f':
				buf.WriteString(`\f`)
			case '\n':
				buf.WriteString(`\n`)
			case '\r':
				buf.WriteString(`\r`)
			case '\t':
				buf.WriteString(`\t`)
			default:
				if c < 0x20 {
					buf.WriteString(`\u00`)
					buf.WriteByte(hexDigits[c>>4])
					buf.WriteByte(hexDigits[c&0xf])
				} else {
					buf.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			buf.WriteString("\ufffd")
		} else {
			buf.WriteString(s[i : i+size])
		}
		i += size
	}
	buf.WriteByte('"')
}

// orderLikeJS: порядок Object.keys: ключи-индексы ("0", "17") по возрастанию
// в начале, остальные в порядке вставки.
func orderLikeJS(members Object) {
	sort.SliceStable(members, func(i, j int) bool {
		a, aok := arrayIndex(members[i].Key)
		b, bok := arrayIndex(members[j].Key)
		if aok && bok {
			return a < b
		}
		return aok && !bok
	})
}

func arrayIndex(key string) (uint32, bool) {
	if key == "" || len(key) > 10 || (len(key) > 1 && key[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil || n == math.MaxUint32 {
		return 0, false
	}
	return uint32(n), true
}

// lessUTF16: порядок Array.prototype.sort() по умолчанию: по кодовым единицам UTF-16.
func lessUTF16(a, b string) bool {
	ua := utf16.Encode([]rune(a))
	ub := utf16.Encode([]rune(b))
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}
