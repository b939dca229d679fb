package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRealClockIsUTC(t *testing.T) {
	now := Real{}.Now()
	assert.Equal(t, time.UTC, now.Location())
	assert.IsType(t, Real{}, OrReal(nil))
}

func TestManualClockAdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewManual(start)

	short := c.After(time.Second)
	long := c.After(time.Minute)

	c.Advance(2 * time.Second)
	assert.Equal(t, start.Add(2*time.Second), c.Now())

	select {
	case fired := <-short:
		assert.Equal(t, start.Add(2*time.Second), fired)
	default:
		t.Fatal("expected short waiter to fire")
	}

	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}

	c.Set(start.Add(time.Hour))
	select {
	case <-long:
	default:
		t.Fatal("expected long waiter to fire after Set")
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	c := NewManual(time.Unix(0, 0))
	select {
	case <-c.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
}
