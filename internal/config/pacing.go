package config

import (
	"fmt"
	"time"

	"github.com/stellarlinkco/jurisbot/internal/pacing"
)

// Profile merges the overrides into pacing.DefaultProfile and validates the
// result.
func (c PacingConfig) Profile() (pacing.Profile, error) {
	p := pacing.DefaultProfile()
	setIfPositive(&p.MinResponse, c.MinResponse)
	setIfPositive(&p.MaxResponse, c.MaxResponse)
	setIfPositive(&p.MinTyping, c.MinTyping)
	setIfPositive(&p.MaxTyping, c.MaxTyping)

	if len(c.Bands) > 0 {
		p.Bands = make([]pacing.Band, 0, len(c.Bands))
		for _, b := range c.Bands {
			p.Bands = append(p.Bands, pacing.Band{
				Name:              b.Name,
				StartHour:         b.StartHour,
				EndHour:           b.EndHour,
				MinDelay:          b.MinDelay.Duration,
				MaxDelay:          b.MaxDelay.Duration,
				UnavailableChance: b.UnavailableChance,
				MinUnavailable:    b.MinUnavailable.Duration,
				MaxUnavailable:    b.MaxUnavailable.Duration,
			})
		}
	}

	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return pacing.Profile{}, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
		}
		p.Location = loc
	}

	if err := p.Validate(); err != nil {
		return pacing.Profile{}, fmt.Errorf("pacing config: %w", err)
	}
	return p, nil
}

func setIfPositive(dst *time.Duration, d Duration) {
	if d.Duration > 0 {
		*dst = d.Duration
	}
}
