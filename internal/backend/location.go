package backend

import "context"

// Location is an optional user position attached to sends.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Locator supplies the user's location. A nil location is valid.
type Locator interface {
	Locate(ctx context.Context) (*Location, error)
}

// StaticLocator always reports the same location, or none.
type StaticLocator struct {
	Loc *Location
}

func (s StaticLocator) Locate(context.Context) (*Location, error) {
	if s.Loc == nil {
		return nil, nil
	}
	loc := *s.Loc
	return &loc, nil
}
