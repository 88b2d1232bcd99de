// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package geo holds the fence predicates used by geo-restricted drops.
// Coordinates are client supplied; there is no IP geolocation here.
package geo

import (
	"errors"
	"math"
)

const earthRadiusMeters = 6371000

// Mode selects how a fence affects registration.
type Mode string

const (
	// ModeExclusive rejects registrations outside the fence.
	ModeExclusive Mode = "exclusive"
	// ModeBonus multiplies effective tickets inside the fence.
	ModeBonus Mode = "bonus"
)

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fence is a drop's geographic zone: a polygon, a circle, or both
// (either containing the point is enough).
type Fence struct {
	Mode            Mode    `json:"mode"`
	Polygon         []Point `json:"polygon,omitempty"`
	Center          *Point  `json:"center,omitempty"`
	RadiusMeters    float64 `json:"radiusMeters,omitempty"`
	BonusMultiplier float64 `json:"bonusMultiplier,omitempty"`
}

// Validate checks the fence geometry and mode.
func (f *Fence) Validate() error {
	switch f.Mode {
	case ModeExclusive, ModeBonus:
	default:
		return errors.New("geo: fence mode must be exclusive or bonus")
	}
	hasPoly := len(f.Polygon) >= 3
	hasCircle := f.Center != nil && f.RadiusMeters > 0
	if !hasPoly && !hasCircle {
		return errors.New("geo: fence needs a polygon (>=3 points) or a center+radius")
	}
	if f.Mode == ModeBonus && f.BonusMultiplier < 1.0 {
		return errors.New("geo: bonus multiplier must be >= 1.0")
	}
	return nil
}

// Contains reports whether the point falls inside the fence.
func (f *Fence) Contains(p Point) bool {
	if len(f.Polygon) >= 3 && PointInPolygon(p, f.Polygon) {
		return true
	}
	if f.Center != nil && f.RadiusMeters > 0 {
		return Haversine(p, *f.Center) <= f.RadiusMeters
	}
	return false
}

// Haversine returns the great-circle distance between two points in
// meters, using the mean earth radius.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// PointInPolygon runs the ray-cast crossing test. Polygons with fewer
// than three vertices contain nothing.
func PointInPolygon(p Point, poly []Point) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		pi, pj := poly[i], poly[j]
		if (pi.Lng > p.Lng) != (pj.Lng > p.Lng) &&
			p.Lat < (pj.Lat-pi.Lat)*(p.Lng-pi.Lng)/(pj.Lng-pi.Lng)+pi.Lat {
			inside = !inside
		}
		j = i
	}
	return inside
}
