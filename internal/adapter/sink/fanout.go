package sink

import (
	"context"
	"errors"

	"bleproxy/internal/domain"
)

// Fanout dispatches every advertisement to each sink in order. A failing sink
// does not stop the others; their errors are joined.
type Fanout []domain.AdvertisementSink

// NewFanout drops nil sinks and returns the remainder as one sink. A single
// sink is returned unwrapped.
func NewFanout(sinks ...domain.AdvertisementSink) domain.AdvertisementSink {
	var f Fanout
	for _, s := range sinks {
		if s != nil {
			f = append(f, s)
		}
	}
	if len(f) == 1 {
		return f[0]
	}
	return f
}

// Dispatch implements domain.AdvertisementSink.
func (f Fanout) Dispatch(ctx context.Context, adv domain.Advertisement) error {
	var errs []error
	for _, s := range f {
		if err := s.Dispatch(ctx, adv); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
