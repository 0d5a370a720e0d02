package stream

import (
	"github.com/valyala/fastjson"

	"bleproxy/internal/domain"
	"bleproxy/internal/usecase/codec"
)

// Frame types sent to clients.
const (
	FrameAdvertisement = "advertisement"
	FrameDropped       = "dropped"
	FrameStats         = "stats"
)

var (
	arenas  fastjson.ArenaPool
	encoder = codec.NewEncoder()
)

// encodeFrame renders ev as one JSON text frame. ok is false for events that
// are not streamed.
func encodeFrame(ev domain.Event) (frame []byte, ok bool) {
	a := arenas.Get()
	defer arenas.Put(a)

	obj := a.NewObject()
	obj.Set("session", a.NewString(ev.SessionID))
	obj.Set("source", a.NewString(ev.Source))
	obj.Set("ts", a.NewString(ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")))

	switch ev.Type {
	case domain.EventAdvertisementReceived:
		if ev.Advertisement == nil {
			return nil, false
		}
		rec, err := encoder.Encode(ev.Advertisement.Raw())
		if err != nil {
			return nil, false
		}
		obj.Set("type", a.NewString(FrameAdvertisement))
		obj.Set("observed_at", a.NewNumberFloat64(ev.Advertisement.ObservedAt.Seconds()))
		obj.Set("peer", a.NewString(ev.Peer))
		obj.Set("record", rec.Value(a))
	case domain.EventAdvertisementDropped:
		obj.Set("type", a.NewString(FrameDropped))
		obj.Set("peer", a.NewString(ev.Peer))
		obj.Set("reason", a.NewString(string(ev.Reason)))
		obj.Set("detail", a.NewString(ev.Detail))
	case domain.EventStatsReported:
		if ev.Stats == nil {
			return nil, false
		}
		s := a.NewObject()
		s.Set("received", a.NewNumberFloat64(float64(ev.Stats.Received)))
		s.Set("decoded", a.NewNumberFloat64(float64(ev.Stats.Decoded)))
		s.Set("dropped_malformed", a.NewNumberFloat64(float64(ev.Stats.DroppedMalformed)))
		s.Set("dropped_missing", a.NewNumberFloat64(float64(ev.Stats.DroppedMissing)))
		s.Set("dispatch_failed", a.NewNumberFloat64(float64(ev.Stats.DispatchFailed)))
		obj.Set("type", a.NewString(FrameStats))
		obj.Set("stats", s)
	default:
		return nil, false
	}
	return codec.AppendValue(nil, obj), true
}
