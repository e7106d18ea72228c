package models

import (
	"fmt"
	"strings"
)

// Rendition labels one target quality of a source asset. The set is closed:
// ParseRendition rejects anything outside the known tiers.
type Rendition string

const (
	Rendition360p  Rendition = "360p"
	Rendition480p  Rendition = "480p"
	Rendition720p  Rendition = "720p"
	Rendition1080p Rendition = "1080p"
)

// KnownRenditions lists every rendition tier from lowest to highest.
func KnownRenditions() []Rendition {
	return []Rendition{Rendition360p, Rendition480p, Rendition720p, Rendition1080p}
}

// ParseRendition maps a label onto its rendition tier.
func ParseRendition(label string) (Rendition, error) {
	switch Rendition(strings.ToLower(strings.TrimSpace(label))) {
	case Rendition360p:
		return Rendition360p, nil
	case Rendition480p:
		return Rendition480p, nil
	case Rendition720p:
		return Rendition720p, nil
	case Rendition1080p:
		return Rendition1080p, nil
	default:
		return "", fmt.Errorf("unknown rendition %q", label)
	}
}

func (r Rendition) Valid() bool {
	_, err := ParseRendition(string(r))
	return err == nil
}

func (r Rendition) String() string {
	return string(r)
}

// RenditionProfile carries the encode and playlist parameters for one tier.
type RenditionProfile struct {
	Rendition        Rendition `json:"rendition"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	VideoBitrateKbps int       `json:"videoBitrateKbps"`
	Bandwidth        int       `json:"bandwidth"`
}

// Resolution formats the profile dimensions as WIDTHxHEIGHT.
func (p RenditionProfile) Resolution() string {
	return fmt.Sprintf("%dx%d", p.Width, p.Height)
}

// Ladder is the ordered, read-only set of target renditions.
type Ladder struct {
	profiles []RenditionProfile
	index    map[Rendition]int
}

// NewLadder validates the profiles and freezes their order.
func NewLadder(profiles []RenditionProfile) (Ladder, error) {
	if len(profiles) == 0 {
		return Ladder{}, fmt.Errorf("at least one rendition is required")
	}
	ladder := Ladder{
		profiles: make([]RenditionProfile, 0, len(profiles)),
		index:    make(map[Rendition]int, len(profiles)),
	}
	for _, profile := range profiles {
		if !profile.Rendition.Valid() {
			return Ladder{}, fmt.Errorf("unknown rendition %q", profile.Rendition)
		}
		if _, exists := ladder.index[profile.Rendition]; exists {
			return Ladder{}, fmt.Errorf("duplicate rendition %q", profile.Rendition)
		}
		if profile.Width <= 0 || profile.Height <= 0 {
			return Ladder{}, fmt.Errorf("rendition %s: width and height must be positive", profile.Rendition)
		}
		if profile.VideoBitrateKbps <= 0 {
			return Ladder{}, fmt.Errorf("rendition %s: bitrate must be positive", profile.Rendition)
		}
		if profile.Bandwidth <= 0 {
			profile.Bandwidth = profile.VideoBitrateKbps * 1000
		}
		ladder.index[profile.Rendition] = len(ladder.profiles)
		ladder.profiles = append(ladder.profiles, profile)
	}
	return ladder, nil
}

// DefaultProfiles returns the stock 360p to 1080p ladder.
func DefaultProfiles() []RenditionProfile {
	return []RenditionProfile{
		{Rendition: Rendition360p, Width: 640, Height: 360, VideoBitrateKbps: 500, Bandwidth: 500000},
		{Rendition: Rendition480p, Width: 854, Height: 480, VideoBitrateKbps: 1000, Bandwidth: 1000000},
		{Rendition: Rendition720p, Width: 1280, Height: 720, VideoBitrateKbps: 2500, Bandwidth: 2500000},
		{Rendition: Rendition1080p, Width: 1920, Height: 1080, VideoBitrateKbps: 5000, Bandwidth: 5000000},
	}
}

// Renditions returns the configured labels in ladder order.
func (l Ladder) Renditions() []Rendition {
	out := make([]Rendition, len(l.profiles))
	for i, profile := range l.profiles {
		out[i] = profile.Rendition
	}
	return out
}

// Profiles returns a copy of the profiles in ladder order.
func (l Ladder) Profiles() []RenditionProfile {
	out := make([]RenditionProfile, len(l.profiles))
	copy(out, l.profiles)
	return out
}

// Lookup returns the profile for a rendition that is part of the ladder.
func (l Ladder) Lookup(r Rendition) (RenditionProfile, bool) {
	idx, ok := l.index[r]
	if !ok {
		return RenditionProfile{}, false
	}
	return l.profiles[idx], true
}

func (l Ladder) Len() int {
	return len(l.profiles)
}
