package codec

import (
	"encoding/base64"
	"fmt"
	"strings"

	"bleproxy/internal/domain"
)

// Encoder converts raw scan results to wire records. It holds no state and is
// safe for concurrent use from scan callbacks.
type Encoder struct{}

// NewEncoder creates an Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Encode converts every byte value of raw to base64. No field is dropped and
// absent optionals stay absent. Invalid UTF-8 in text fields is replaced with
// U+FFFD, since the wire format is UTF-8 JSON. A record without an address is
// rejected so the agent never emits a datagram the host would discard.
func (e *Encoder) Encode(raw domain.RawAdvertisement) (rec WireRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = WireRecord{}
			err = domain.NewDomainError("Encoder.Encode", domain.ErrEncode, fmt.Sprintf("panic: %v", r))
		}
	}()

	if raw.Address == "" {
		return WireRecord{}, domain.NewDomainError("Encoder.Encode", domain.ErrEncode, "missing address")
	}

	rec = WireRecord{
		Address:          validText(raw.Address),
		Name:             raw.Name,
		RSSI:             raw.RSSI,
		ManufacturerData: make(map[uint16]string, len(raw.ManufacturerData)),
		ServiceData:      make(map[string]string, len(raw.ServiceData)),
		ServiceUUIDs:     make([]string, len(raw.ServiceUUIDs)),
		TxPower:          raw.TxPower,
	}
	if raw.Name != nil {
		name := validText(*raw.Name)
		rec.Name = &name
	}
	for id, b := range raw.ManufacturerData {
		rec.ManufacturerData[id] = base64.StdEncoding.EncodeToString(b)
	}
	for u, b := range raw.ServiceData {
		if u == "" {
			return WireRecord{}, domain.NewDomainError("Encoder.Encode", domain.ErrEncode, "empty service data uuid")
		}
		rec.ServiceData[validText(u)] = base64.StdEncoding.EncodeToString(b)
	}
	for i, u := range raw.ServiceUUIDs {
		rec.ServiceUUIDs[i] = validText(u)
	}
	return rec, nil
}

func validText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}

// EncodeBytes encodes raw straight to a datagram payload.
func (e *Encoder) EncodeBytes(raw domain.RawAdvertisement) ([]byte, error) {
	rec, err := e.Encode(raw)
	if err != nil {
		return nil, err
	}
	return rec.Marshal(), nil
}
