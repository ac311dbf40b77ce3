package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceIdenticalPoints(t *testing.T) {
	assert.Equal(t, 0.0, Distance(1, 1, 1, 1))
	assert.Equal(t, 0.0, Distance(-33.8688, 151.2093, -33.8688, 151.2093))
}

func TestDistanceOneDegreeOfLatitude(t *testing.T) {
	// one degree along a meridian is R*pi/180
	expected := EarthRadiusMeters * math.Pi / 180
	assert.InDelta(t, expected, Distance(0, 0, 1, 0), 1e-6)
	assert.InDelta(t, 111194.93, Distance(0, 0, 1, 0), 0.01)
}

func TestDistanceIsSymmetric(t *testing.T) {
	d1 := Distance(59.3293, 18.0686, 57.7089, 11.9746)
	d2 := Distance(57.7089, 11.9746, 59.3293, 18.0686)
	assert.InDelta(t, d1, d2, 1e-9)
	// Stockholm to Gothenburg is roughly 397 km
	assert.InDelta(t, 396900, d1, 1000)
}

func TestDistanceShortHops(t *testing.T) {
	// 0.0001 degrees of latitude is about 11.1 m
	assert.InDelta(t, 11.119, Distance(1.0, 1.0, 1.0001, 1.0), 0.001)
	// 0.00005 degrees is about 5.6 m
	assert.Less(t, Distance(1.0, 1.0, 1.00005, 1.0), 10.0)
}

func TestDistanceAntipodal(t *testing.T) {
	assert.InDelta(t, EarthRadiusMeters*math.Pi, Distance(0, 0, 0, 180), 1e-6)
}

func TestValidCoordinate(t *testing.T) {
	assert.True(t, ValidCoordinate(0, 0))
	assert.True(t, ValidCoordinate(90, 180))
	assert.True(t, ValidCoordinate(-90, -180))
	assert.False(t, ValidCoordinate(90.1, 0))
	assert.False(t, ValidCoordinate(0, -180.5))
	assert.False(t, ValidCoordinate(math.NaN(), 0))
	assert.False(t, ValidCoordinate(0, math.Inf(1)))
}
