// Package codec converts advertisements to and from the relay wire format: one
// UTF-8 JSON object per datagram with every byte value base64 encoded.
package codec

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"

	"github.com/valyala/fastjson"
)

// Wire field names.
const (
	fieldAddress          = "address"
	fieldName             = "name"
	fieldRSSI             = "rssi"
	fieldManufacturerData = "manufacturer_data"
	fieldServiceData      = "service_data"
	fieldServiceUUIDs     = "service_uuids"
	fieldTxPower          = "tx_power"
)

// WireRecord is the text-safe form of an advertisement. Byte values are
// standard base64 (with padding); manufacturer keys are decimal company ids.
type WireRecord struct {
	Address          string
	Name             *string
	RSSI             *int
	ManufacturerData map[uint16]string
	ServiceData      map[string]string
	ServiceUUIDs     []string
	TxPower          *int
}

var arenas fastjson.ArenaPool

// AppendJSON appends the compact JSON form of r to dst. Keys are emitted in
// wire order; map entries are sorted so equal records encode identically.
func (r WireRecord) AppendJSON(dst []byte) []byte {
	a := arenas.Get()
	defer arenas.Put(a)
	return AppendValue(dst, r.Value(a))
}

// Value builds r as a fastjson object allocated from a, for embedding the
// record in a larger document. The value is valid until a is reset.
func (r WireRecord) Value(a *fastjson.Arena) *fastjson.Value {
	obj := a.NewObject()
	obj.Set(fieldAddress, a.NewString(r.Address))
	obj.Set(fieldName, optString(a, r.Name))
	obj.Set(fieldRSSI, optInt(a, r.RSSI))

	md := a.NewObject()
	companies := make([]int, 0, len(r.ManufacturerData))
	for id := range r.ManufacturerData {
		companies = append(companies, int(id))
	}
	sort.Ints(companies)
	for _, id := range companies {
		md.Set(strconv.Itoa(id), a.NewString(r.ManufacturerData[uint16(id)]))
	}
	obj.Set(fieldManufacturerData, md)

	sd := a.NewObject()
	uuids := make([]string, 0, len(r.ServiceData))
	for u := range r.ServiceData {
		uuids = append(uuids, u)
	}
	sort.Strings(uuids)
	for _, u := range uuids {
		sd.Set(u, a.NewString(r.ServiceData[u]))
	}
	obj.Set(fieldServiceData, sd)

	arr := a.NewArray()
	for i, u := range r.ServiceUUIDs {
		arr.SetArrayItem(i, a.NewString(u))
	}
	obj.Set(fieldServiceUUIDs, arr)
	obj.Set(fieldTxPower, optInt(a, r.TxPower))
	return obj
}

// Marshal returns the compact JSON datagram payload for r.
func (r WireRecord) Marshal() []byte {
	return r.AppendJSON(nil)
}

// MarshalJSON implements json.Marshaler.
func (r WireRecord) MarshalJSON() ([]byte, error) {
	return r.Marshal(), nil
}

// MarshalIndent returns r as JSON indented by two spaces, the form printed
// by the agent in verbose mode.
func (r WireRecord) MarshalIndent() []byte {
	var buf bytes.Buffer
	// AppendJSON always yields valid JSON, so Indent cannot fail.
	_ = json.Indent(&buf, r.Marshal(), "", "  ")
	return buf.Bytes()
}

func optString(a *fastjson.Arena, s *string) *fastjson.Value {
	if s == nil {
		return a.NewNull()
	}
	return a.NewString(*s)
}

func optInt(a *fastjson.Arena, n *int) *fastjson.Value {
	if n == nil {
		return a.NewNull()
	}
	return a.NewNumberInt(*n)
}
