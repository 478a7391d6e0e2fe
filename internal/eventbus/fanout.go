package eventbus

import (
	"context"
	"errors"
)

// Fanout publishes every event to each of its publishers in order. A failing
// publisher does not stop the others.
type Fanout []Publisher

var _ Publisher = Fanout(nil)

// Combine drops nil publishers and returns nil when none remain, so callers can
// treat "no bus" as a nil Publisher.
func Combine(pubs ...Publisher) Publisher {
	var out Fanout
	for _, p := range pubs {
		if p != nil {
			out = append(out, p)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

func (f Fanout) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
