package ratelimit

import (
	"fmt"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestFixedWindow(t *testing.T) {
	c := qt.New(t)
	l := New(100, 5, time.Minute)
	now := time.Now()
	l.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		ok, _ := l.Allow("1.2.3.4")
		c.Assert(ok, qt.IsTrue, qt.Commentf("request %d", i))
	}
	ok, retry := l.Allow("1.2.3.4")
	c.Assert(ok, qt.IsFalse)
	c.Assert(retry, qt.Equals, time.Minute)

	// other clients are independent
	ok, _ = l.Allow("5.6.7.8")
	c.Assert(ok, qt.IsTrue)

	now = now.Add(40 * time.Second)
	ok, retry = l.Allow("1.2.3.4")
	c.Assert(ok, qt.IsFalse)
	c.Assert(retry, qt.Equals, 20*time.Second)

	// a new window starts once the previous one is over
	now = now.Add(20 * time.Second)
	ok, _ = l.Allow("1.2.3.4")
	c.Assert(ok, qt.IsTrue)

	l.Reset("5.6.7.8")
	c.Assert(l.Len(), qt.Equals, 1)
}

func TestBoundedCapacity(t *testing.T) {
	c := qt.New(t)
	l := New(10, 1, time.Hour)
	for i := 0; i < 100; i++ {
		ok, _ := l.Allow(fmt.Sprintf("client-%d", i))
		c.Assert(ok, qt.IsTrue)
	}
	c.Assert(l.Len(), qt.Equals, 10)

	// the oldest clients were evicted and start over
	ok, _ := l.Allow("client-0")
	c.Assert(ok, qt.IsTrue)
	ok, _ = l.Allow("client-99")
	c.Assert(ok, qt.IsFalse)
}

func TestEntriesExpire(t *testing.T) {
	c := qt.New(t)
	l := New(10, 1, 50*time.Millisecond)
	ok, _ := l.Allow("a")
	c.Assert(ok, qt.IsTrue)
	ok, _ = l.Allow("a")
	c.Assert(ok, qt.IsFalse)
	time.Sleep(150 * time.Millisecond)
	ok, _ = l.Allow("a")
	c.Assert(ok, qt.IsTrue)
}

func TestDefaults(t *testing.T) {
	c := qt.New(t)
	l := New(0, 0, 0)
	c.Assert(l.max, qt.Equals, DefaultMax)
	c.Assert(l.window, qt.Equals, DefaultWindow)
}
