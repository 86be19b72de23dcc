package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	// 2026-03-01T00:00:00Z in each unit must normalize to the same instant.
	sec := int64(1772323200)
	want := Nanos(sec * int64(time.Second))

	assert.Equal(t, want, Normalize(sec), "seconds")
	assert.Equal(t, want, Normalize(sec*1e3), "milliseconds")
	assert.Equal(t, want, Normalize(sec*1e6), "microseconds")
	assert.Equal(t, want, Normalize(sec*1e9), "nanoseconds")
}

func TestNormalizeNoYear2082Artifact(t *testing.T) {
	// A millisecond timestamp misread as seconds lands decades in the
	// future. Normalize must keep it in the present.
	ms := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	got := NormalizeTime(ms)
	assert.Equal(t, 2026, got.UTC().Year())
}

func TestNormalizeZeroAndNegative(t *testing.T) {
	assert.Equal(t, Nanos(0), Normalize(0))
	assert.Equal(t, Nanos(-5), Normalize(-5))
}

func TestNanosArithmetic(t *testing.T) {
	a := FromTime(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	b := a.Add(1500 * time.Millisecond)

	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
	assert.Equal(t, 1500*time.Millisecond, b.Sub(a))
	assert.Equal(t, a.Millis()+1500, b.Millis())
	assert.Equal(t, a.Time().Add(1500*time.Millisecond), b.Time())
}
