// Package geo decodes GeoJSON into orb geometries and implements the
// measurements, masks and buffers the processors share.
package geo

import (
	"fmt"
	"strings"
)

// Unit is a distance unit accepted on job parameters.
type Unit string

const (
	Meters     Unit = "meters"
	Kilometers Unit = "kilometers"
	Miles      Unit = "miles"
	Feet       Unit = "feet"
)

var metersPer = map[Unit]float64{
	Meters:     1,
	Kilometers: 1000,
	Miles:      1609.344,
	Feet:       0.3048,
}

// UnsupportedUnitError is returned by ParseUnit for unknown units.
type UnsupportedUnitError struct {
	Unit string
}

func (e *UnsupportedUnitError) Error() string {
	return "Unsupported distance unit: " + e.Unit
}

// ParseUnit normalizes a unit name. An empty name means meters.
func ParseUnit(s string) (Unit, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" {
		return Meters, nil
	}
	u := Unit(v)
	if _, ok := metersPer[u]; !ok {
		return "", &UnsupportedUnitError{Unit: s}
	}
	return u, nil
}

// ToMeters converts v expressed in u to meters.
func (u Unit) ToMeters(v float64) float64 {
	f, ok := metersPer[u]
	if !ok {
		panic(fmt.Sprintf("geo: unknown unit %q", string(u)))
	}
	return v * f
}
