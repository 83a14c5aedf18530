package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests advance time manually.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(ttl time.Duration, threshold int) (*Monitor, *fakeClock) {
	m := NewMonitorWith(ttl, threshold)
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m.now = clock.now
	return m, clock
}

func TestShouldProbeUnknownSession(t *testing.T) {
	m, _ := newTestMonitor(15*time.Second, 3)
	assert.True(t, m.ShouldProbe("s1"))
}

func TestTTLGating(t *testing.T) {
	m, clock := newTestMonitor(15*time.Second, 3)

	m.RecordResult("s1", true)
	assert.False(t, m.ShouldProbe("s1"), "just checked, within TTL")

	clock.advance(14 * time.Second)
	assert.False(t, m.ShouldProbe("s1"))

	clock.advance(time.Second)
	assert.True(t, m.ShouldProbe("s1"), "TTL elapsed")
}

func TestConsecutiveFailureThreshold(t *testing.T) {
	m, _ := newTestMonitor(15*time.Second, 3)

	m.RecordResult("s1", false)
	assert.False(t, m.ShouldMarkTerminated("s1"))
	m.RecordResult("s1", false)
	assert.False(t, m.ShouldMarkTerminated("s1"))
	m.RecordResult("s1", false)
	assert.True(t, m.ShouldMarkTerminated("s1"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	m, _ := newTestMonitor(15*time.Second, 3)

	m.RecordResult("s1", false)
	m.RecordResult("s1", false)
	m.RecordResult("s1", true)
	assert.Equal(t, 0, m.FailureCount("s1"))
	assert.False(t, m.ShouldMarkTerminated("s1"))

	// Needs a full run of fresh failures after the reset.
	m.RecordResult("s1", false)
	m.RecordResult("s1", false)
	assert.False(t, m.ShouldMarkTerminated("s1"))
	m.RecordResult("s1", false)
	assert.True(t, m.ShouldMarkTerminated("s1"))
}

func TestSessionsAreIndependent(t *testing.T) {
	m, _ := newTestMonitor(15*time.Second, 3)

	for i := 0; i < 3; i++ {
		m.RecordResult("s1", false)
	}
	assert.True(t, m.ShouldMarkTerminated("s1"))
	assert.False(t, m.ShouldMarkTerminated("s2"))
}

func TestForget(t *testing.T) {
	m, _ := newTestMonitor(15*time.Second, 3)

	for i := 0; i < 3; i++ {
		m.RecordResult("s1", false)
	}
	m.Forget("s1")

	assert.True(t, m.ShouldProbe("s1"))
	assert.False(t, m.ShouldMarkTerminated("s1"))
	assert.True(t, m.LastCheckedAt("s1").IsZero())
}
