// Package scanner adapts platform BLE scanning to domain.Scanner.
package scanner

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/adv"

	"bleproxy/internal/domain"
)

// bluetoothBaseSuffix completes 16- and 32-bit assigned numbers to the full
// 128-bit form: 0000xxxx-0000-1000-8000-00805f9b34fb.
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// rawPacketer is implemented by HCI advertisements that expose the AD
// structures they were parsed from.
type rawPacketer interface {
	Data() []byte
	ScanResponse() []byte
}

// FromAdvertisement converts a driver advertisement to the domain form.
// Addresses are upper-cased and UUIDs rendered in full lower-case 128-bit
// form so the host sees the same identifiers regardless of platform.
func FromAdvertisement(a ble.Advertisement) domain.RawAdvertisement {
	raw := domain.RawAdvertisement{
		Address:          strings.ToUpper(a.Addr().String()),
		ManufacturerData: map[uint16][]byte{},
		ServiceData:      map[string][]byte{},
		ServiceUUIDs:     []string{},
	}

	// Shortened local names may be cut inside a multi-byte character.
	if name := strings.ToValidUTF8(a.LocalName(), "\uFFFD"); name != "" {
		raw.Name = &name
	}
	rssi := a.RSSI()
	raw.RSSI = &rssi

	// The first two bytes of manufacturer specific data are the little-endian
	// company identifier.
	if md := a.ManufacturerData(); len(md) >= 2 {
		company := binary.LittleEndian.Uint16(md[:2])
		raw.ManufacturerData[company] = append([]byte{}, md[2:]...)
	}

	for _, sd := range a.ServiceData() {
		raw.ServiceData[CanonicalUUID(sd.UUID)] = append([]byte{}, sd.Data...)
	}

	seen := make(map[string]bool)
	for _, list := range [][]ble.UUID{a.Services(), a.OverflowService()} {
		for _, u := range list {
			s := CanonicalUUID(u)
			if !seen[s] {
				seen[s] = true
				raw.ServiceUUIDs = append(raw.ServiceUUIDs, s)
			}
		}
	}

	if p, ok := a.(rawPacketer); ok {
		if tx, present := adv.NewRawPacket(p.Data(), p.ScanResponse()).TxPower(); present {
			raw.TxPower = &tx
		}
	}
	return raw
}

// CanonicalUUID renders a go-ble UUID (stored little-endian) in lower-case
// dashed 128-bit form.
func CanonicalUUID(u ble.UUID) string {
	b := ble.Reverse(u)
	switch len(b) {
	case 2:
		return fmt.Sprintf("0000%02x%02x%s", b[0], b[1], bluetoothBaseSuffix)
	case 4:
		return fmt.Sprintf("%02x%02x%02x%02x%s", b[0], b[1], b[2], b[3], bluetoothBaseSuffix)
	case 16:
		return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
	default:
		return fmt.Sprintf("%x", b)
	}
}
