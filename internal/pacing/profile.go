package pacing

import (
	"fmt"
	"time"
)

// Band is a time-of-day window with its own response delay and chance of
// simulated unavailability. StartHour is inclusive and EndHour exclusive; a
// band with StartHour > EndHour wraps past midnight.
type Band struct {
	Name              string
	StartHour         int
	EndHour           int
	MinDelay          time.Duration
	MaxDelay          time.Duration
	UnavailableChance float64
	MinUnavailable    time.Duration
	MaxUnavailable    time.Duration
}

func (b Band) contains(hour int) bool {
	if b.StartHour <= b.EndHour {
		return hour >= b.StartHour && hour < b.EndHour
	}
	return hour >= b.StartHour || hour < b.EndHour
}

// Profile is the process-wide pacing configuration. It is read-only after
// load.
type Profile struct {
	MinResponse time.Duration
	MaxResponse time.Duration
	MinTyping   time.Duration
	MaxTyping   time.Duration
	Bands       []Band
	Location    *time.Location
}

func DefaultProfile() Profile {
	return Profile{
		MinResponse: time.Second,
		MaxResponse: 5 * time.Minute,
		MinTyping:   2 * time.Second,
		MaxTyping:   8 * time.Second,
		Bands: []Band{
			{
				Name: "business", StartHour: 8, EndHour: 18,
				MinDelay: 3 * time.Second, MaxDelay: 15 * time.Second,
				UnavailableChance: 0.10, MinUnavailable: 10 * time.Second, MaxUnavailable: 30 * time.Second,
			},
			{
				Name: "evening", StartHour: 18, EndHour: 23,
				MinDelay: 15 * time.Second, MaxDelay: 60 * time.Second,
				UnavailableChance: 0.20, MinUnavailable: 15 * time.Second, MaxUnavailable: 60 * time.Second,
			},
			{
				Name: "night", StartHour: 23, EndHour: 8,
				MinDelay: 60 * time.Second, MaxDelay: 180 * time.Second,
				UnavailableChance: 0.70, MinUnavailable: 60 * time.Second, MaxUnavailable: 300 * time.Second,
			},
		},
		Location: time.Local,
	}
}

// BandAt returns the first band containing hour.
func (p Profile) BandAt(hour int) (Band, bool) {
	for _, b := range p.Bands {
		if b.contains(hour) {
			return b, true
		}
	}
	return Band{}, false
}

func (p Profile) Validate() error {
	if p.MinResponse < 0 || p.MaxResponse < p.MinResponse {
		return fmt.Errorf("invalid response delay range %s..%s", p.MinResponse, p.MaxResponse)
	}
	if p.MinTyping < 0 || p.MaxTyping < p.MinTyping {
		return fmt.Errorf("invalid typing delay range %s..%s", p.MinTyping, p.MaxTyping)
	}
	for _, b := range p.Bands {
		if b.StartHour < 0 || b.StartHour > 23 || b.EndHour < 0 || b.EndHour > 24 {
			return fmt.Errorf("band %q: hours out of range", b.Name)
		}
		if b.MinDelay < 0 || b.MaxDelay < b.MinDelay {
			return fmt.Errorf("band %q: invalid delay range", b.Name)
		}
		if b.UnavailableChance < 0 || b.UnavailableChance > 1 {
			return fmt.Errorf("band %q: unavailable chance %.2f outside [0,1]", b.Name, b.UnavailableChance)
		}
		if b.MinUnavailable < 0 || b.MaxUnavailable < b.MinUnavailable {
			return fmt.Errorf("band %q: invalid unavailable range", b.Name)
		}
	}
	return nil
}
