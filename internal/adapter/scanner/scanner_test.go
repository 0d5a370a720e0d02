package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bleproxy/internal/domain"
)

type fakeAddr string

func (a fakeAddr) String() string { return string(a) }

// fakeAdvertisement implements ble.Advertisement.
type fakeAdvertisement struct {
	name     string
	md       []byte
	sd       []ble.ServiceData
	services []ble.UUID
	overflow []ble.UUID
	rssi     int
	addr     string
}

func (f fakeAdvertisement) LocalName() string              { return f.name }
func (f fakeAdvertisement) ManufacturerData() []byte       { return f.md }
func (f fakeAdvertisement) ServiceData() []ble.ServiceData { return f.sd }
func (f fakeAdvertisement) Services() []ble.UUID           { return f.services }
func (f fakeAdvertisement) OverflowService() []ble.UUID    { return f.overflow }
func (f fakeAdvertisement) TxPowerLevel() int              { return 127 }
func (f fakeAdvertisement) Connectable() bool              { return false }
func (f fakeAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (f fakeAdvertisement) RSSI() int                      { return f.rssi }
func (f fakeAdvertisement) Addr() ble.Addr                 { return fakeAddr(f.addr) }

// rawFakeAdvertisement additionally exposes the AD payload.
type rawFakeAdvertisement struct {
	fakeAdvertisement
	data []byte
}

func (r rawFakeAdvertisement) Data() []byte         { return r.data }
func (r rawFakeAdvertisement) ScanResponse() []byte { return nil }

func TestFromAdvertisement(t *testing.T) {
	a := fakeAdvertisement{
		name:     "Thermo",
		md:       []byte{0x4c, 0x00, 0x02, 0x15},
		sd:       []ble.ServiceData{{UUID: ble.UUID16(0x181a), Data: []byte{0x10, 0x20}}},
		services: []ble.UUID{ble.UUID16(0x180f), ble.UUID16(0x181a)},
		overflow: []ble.UUID{ble.UUID16(0x180f)},
		rssi:     -60,
		addr:     "aa:bb:cc:dd:ee:ff",
	}

	raw := FromAdvertisement(a)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", raw.Address)
	require.NotNil(t, raw.Name)
	assert.Equal(t, "Thermo", *raw.Name)
	require.NotNil(t, raw.RSSI)
	assert.Equal(t, -60, *raw.RSSI)
	assert.Equal(t, map[uint16][]byte{76: {0x02, 0x15}}, raw.ManufacturerData)
	assert.Equal(t, []byte{0x10, 0x20}, raw.ServiceData["0000181a-0000-1000-8000-00805f9b34fb"])
	assert.Equal(t, []string{
		"0000180f-0000-1000-8000-00805f9b34fb",
		"0000181a-0000-1000-8000-00805f9b34fb",
	}, raw.ServiceUUIDs)
	assert.Nil(t, raw.TxPower, "tx power is unknown without raw AD data")
}

func TestFromAdvertisementEmptyFields(t *testing.T) {
	raw := FromAdvertisement(fakeAdvertisement{addr: "11:22:33:44:55:66", md: []byte{0x01}})
	assert.Nil(t, raw.Name)
	assert.NotNil(t, raw.ManufacturerData)
	assert.Empty(t, raw.ManufacturerData, "short manufacturer data has no company id")
	assert.NotNil(t, raw.ServiceData)
	assert.NotNil(t, raw.ServiceUUIDs)
}

func TestFromAdvertisementTruncatedName(t *testing.T) {
	// "Caf\xc3\xa9" shortened by one byte.
	raw := FromAdvertisement(fakeAdvertisement{addr: "11:22:33:44:55:66", name: "Caf\xc3"})
	require.NotNil(t, raw.Name)
	assert.Equal(t, "Caf\uFFFD", *raw.Name)
	assert.True(t, utf8.ValidString(*raw.Name))
}

func TestFromAdvertisementTxPower(t *testing.T) {
	// AD structure: length 2, type 0x0a (tx power level), value -8.
	a := rawFakeAdvertisement{
		fakeAdvertisement: fakeAdvertisement{addr: "11:22:33:44:55:66"},
		data:              []byte{0x02, 0x0a, 0xf8},
	}
	raw := FromAdvertisement(a)
	require.NotNil(t, raw.TxPower)
	assert.Equal(t, -8, *raw.TxPower)

	a.data = []byte{0x02, 0x01, 0x06} // flags only
	assert.Nil(t, FromAdvertisement(a).TxPower)
}

func TestCanonicalUUID(t *testing.T) {
	assert.Equal(t, "0000180d-0000-1000-8000-00805f9b34fb", CanonicalUUID(ble.UUID16(0x180d)))
	assert.Equal(t, "12345678-0000-1000-8000-00805f9b34fb", CanonicalUUID(ble.UUID([]byte{0x78, 0x56, 0x34, 0x12})))

	u := ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", CanonicalUUID(u))
}

func TestMockScannerReplaysAndStops(t *testing.T) {
	m := NewMockScanner(
		domain.RawAdvertisement{Address: "A"},
		domain.RawAdvertisement{Address: "B"},
	)

	var mu sync.Mutex
	var got []string
	sess, err := m.StartScan(context.Background(), func(raw domain.RawAdvertisement) {
		mu.Lock()
		got = append(got, raw.Address)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.True(t, m.Active())

	require.NoError(t, sess.Stop())
	require.NoError(t, sess.Stop())
	assert.False(t, m.Active())
	assert.Equal(t, 2, m.Sessions()[0].StopCalls())
	assert.Equal(t, []string{"A", "B"}, got)
}

func TestMockScannerStopsOnContext(t *testing.T) {
	m := NewMockScanner()
	ctx, cancel := context.WithCancel(context.Background())
	_, err := m.StartScan(ctx, func(domain.RawAdvertisement) {})
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool { return !m.Active() }, time.Second, 5*time.Millisecond)
}

func TestMockScannerFailNextStart(t *testing.T) {
	m := NewMockScanner()
	boom := errors.New("adapter busy")
	m.FailNextStart(boom)

	_, err := m.StartScan(context.Background(), func(domain.RawAdvertisement) {})
	assert.ErrorIs(t, err, boom)

	sess, err := m.StartScan(context.Background(), func(domain.RawAdvertisement) {})
	require.NoError(t, err)
	require.NoError(t, m.Close())
	assert.True(t, sess.(*MockSession).Stopped())

	_, err = m.StartScan(context.Background(), func(domain.RawAdvertisement) {})
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestMockScannerEndNextScan(t *testing.T) {
	m := NewMockScanner()
	gone := errors.New("hci0 removed")
	m.EndNextScan(gone)

	sess, err := m.StartScan(context.Background(), func(domain.RawAdvertisement) {})
	require.NoError(t, err)
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not end on its own")
	}
	assert.ErrorIs(t, sess.Stop(), gone)

	next, err := m.StartScan(context.Background(), func(domain.RawAdvertisement) {})
	require.NoError(t, err)
	select {
	case <-next.Done():
		t.Fatal("only the next session ends early")
	case <-time.After(20 * time.Millisecond):
	}
	assert.NoError(t, next.Stop())
}
