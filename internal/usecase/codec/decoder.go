package codec

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"unicode/utf8"

	"github.com/valyala/fastjson"

	"bleproxy/internal/domain"
)

const decodeOp = "Decoder.Decode"

// Decoder validates wire records and stamps them with session time. A Decoder
// is safe for concurrent use; ObservedAt stays strictly increasing in the
// order Decode calls complete.
type Decoder struct {
	parsers fastjson.ParserPool
	clock   *MonotonicClock
}

// NewDecoder creates a decoder stamping records from clock. A nil clock starts
// a fresh session.
func NewDecoder(clock *MonotonicClock) *Decoder {
	if clock == nil {
		clock = NewMonotonicClock()
	}
	return &Decoder{clock: clock}
}

// Clock returns the session clock.
func (d *Decoder) Clock() *MonotonicClock { return d.clock }

// Decode parses one datagram payload. Missing or empty address yields
// ErrMissingRequiredField; every other defect yields ErrMalformed. Optional
// keys may be absent or null. Unknown keys are ignored.
func (d *Decoder) Decode(payload []byte) (domain.Advertisement, error) {
	if !utf8.Valid(payload) {
		return domain.Advertisement{}, malformed("payload is not valid UTF-8")
	}

	p := d.parsers.Get()
	defer d.parsers.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil {
		return domain.Advertisement{}, malformed(fmt.Sprintf("invalid JSON: %v", err))
	}
	if v.Type() != fastjson.TypeObject {
		return domain.Advertisement{}, malformed("top level is " + v.Type().String() + ", want object")
	}

	adv, err := fromValue(v)
	if err != nil {
		return domain.Advertisement{}, err
	}
	adv.ObservedAt = d.clock.Next()
	return adv, nil
}

func fromValue(v *fastjson.Value) (domain.Advertisement, error) {
	var adv domain.Advertisement

	addr := v.Get(fieldAddress)
	if isAbsent(addr) {
		return adv, domain.NewDomainError(decodeOp, domain.ErrMissingRequiredField, fieldAddress)
	}
	if addr.Type() != fastjson.TypeString {
		return adv, wrongType(fieldAddress, addr, "string")
	}
	if len(addr.GetStringBytes()) == 0 {
		return adv, domain.NewDomainError(decodeOp, domain.ErrMissingRequiredField, fieldAddress)
	}
	adv.Address = string(addr.GetStringBytes())

	var err error
	if adv.Name, err = optionalString(v, fieldName); err != nil {
		return adv, err
	}
	if adv.RSSI, err = optionalInt(v, fieldRSSI); err != nil {
		return adv, err
	}
	if adv.TxPower, err = optionalInt(v, fieldTxPower); err != nil {
		return adv, err
	}
	if adv.ManufacturerData, err = manufacturerData(v.Get(fieldManufacturerData)); err != nil {
		return adv, err
	}
	if adv.ServiceData, err = serviceData(v.Get(fieldServiceData)); err != nil {
		return adv, err
	}
	if adv.ServiceUUIDs, err = serviceUUIDs(v.Get(fieldServiceUUIDs)); err != nil {
		return adv, err
	}
	return adv, nil
}

func isAbsent(v *fastjson.Value) bool {
	return v == nil || v.Type() == fastjson.TypeNull
}

func optionalString(obj *fastjson.Value, key string) (*string, error) {
	v := obj.Get(key)
	if isAbsent(v) {
		return nil, nil
	}
	if v.Type() != fastjson.TypeString {
		return nil, wrongType(key, v, "string")
	}
	s := string(v.GetStringBytes())
	return &s, nil
}

func optionalInt(obj *fastjson.Value, key string) (*int, error) {
	v := obj.Get(key)
	if isAbsent(v) {
		return nil, nil
	}
	if v.Type() != fastjson.TypeNumber {
		return nil, wrongType(key, v, "integer")
	}
	n, err := v.Int()
	if err != nil {
		return nil, malformed(fmt.Sprintf("%s is not an integer: %s", key, v.String()))
	}
	return &n, nil
}

func manufacturerData(v *fastjson.Value) (map[uint16][]byte, error) {
	out := make(map[uint16][]byte)
	if isAbsent(v) {
		return out, nil
	}
	obj, err := v.Object()
	if err != nil {
		return nil, wrongType(fieldManufacturerData, v, "object")
	}

	var firstErr error
	obj.Visit(func(key []byte, val *fastjson.Value) {
		if firstErr != nil {
			return
		}
		id, perr := strconv.ParseUint(string(key), 10, 16)
		if perr != nil {
			firstErr = malformed(fmt.Sprintf("%s key %q is not a decimal company id", fieldManufacturerData, key))
			return
		}
		b, derr := base64Value(fieldManufacturerData, val)
		if derr != nil {
			firstErr = derr
			return
		}
		out[uint16(id)] = b
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func serviceData(v *fastjson.Value) (map[string][]byte, error) {
	out := make(map[string][]byte)
	if isAbsent(v) {
		return out, nil
	}
	obj, err := v.Object()
	if err != nil {
		return nil, wrongType(fieldServiceData, v, "object")
	}

	var firstErr error
	obj.Visit(func(key []byte, val *fastjson.Value) {
		if firstErr != nil {
			return
		}
		if len(key) == 0 {
			firstErr = malformed(fieldServiceData + " has an empty uuid key")
			return
		}
		b, derr := base64Value(fieldServiceData, val)
		if derr != nil {
			firstErr = derr
			return
		}
		out[string(key)] = b
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func serviceUUIDs(v *fastjson.Value) ([]string, error) {
	if isAbsent(v) {
		return []string{}, nil
	}
	items, err := v.Array()
	if err != nil {
		return nil, wrongType(fieldServiceUUIDs, v, "array")
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		if item.Type() != fastjson.TypeString {
			return nil, wrongType(fmt.Sprintf("%s[%d]", fieldServiceUUIDs, i), item, "string")
		}
		out = append(out, string(item.GetStringBytes()))
	}
	return out, nil
}

func base64Value(field string, v *fastjson.Value) ([]byte, error) {
	if v.Type() != fastjson.TypeString {
		return nil, wrongType(field+" value", v, "base64 string")
	}
	b, err := base64.StdEncoding.DecodeString(string(v.GetStringBytes()))
	if err != nil {
		return nil, malformed(fmt.Sprintf("%s value is not base64: %v", field, err))
	}
	if b == nil {
		b = []byte{}
	}
	return b, nil
}

func wrongType(field string, v *fastjson.Value, want string) error {
	return malformed(fmt.Sprintf("%s is %s, want %s", field, v.Type(), want))
}

func malformed(detail string) error {
	return domain.NewDomainError(decodeOp, domain.ErrMalformed, detail)
}
