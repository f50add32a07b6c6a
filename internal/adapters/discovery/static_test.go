package discovery

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/testutil"
)

func newTestStatic(t *testing.T, records ...domain.ServiceRecord) *StaticResolver {
	return NewStaticResolver(domain.StaticConfig{Records: records}, testutil.Logger(t))
}

type nameCollector struct {
	mu    sync.Mutex
	names []string
}

func (c *nameCollector) add(name string) {
	c.mu.Lock()
	c.names = append(c.names, name)
	c.mu.Unlock()
}

func (c *nameCollector) sorted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.names...)
	sort.Strings(out)
	return out
}

func TestStaticBrowseReportsMatchingRecords(t *testing.T) {
	s := newTestStatic(t,
		domain.ServiceRecord{Name: "A._svc._tcp.local.", Port: 1},
		domain.ServiceRecord{Name: "B._svc._tcp.local", Port: 2},
		domain.ServiceRecord{Name: "C._other._tcp.local", Port: 3},
	)

	c := &nameCollector{}
	sub, err := s.Browse(context.Background(), "_svc._tcp.local", c.add)
	require.NoError(t, err)
	defer sub.Cancel()

	require.Eventually(t, func() bool { return len(c.sorted()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []string{"A._svc._tcp.local", "B._svc._tcp.local"}, c.sorted())
}

func TestStaticResolve(t *testing.T) {
	s := newTestStatic(t, domain.ServiceRecord{
		Name:      "A._svc._tcp.local",
		Host:      "a.local",
		Addresses: []string{"10.0.0.1"},
		Port:      80,
		TXT:       map[string]string{"k": "v"},
	})

	done := make(chan domain.ServiceRecord, 1)
	_, err := s.Resolve(context.Background(), "a._svc._tcp.local.", func(r domain.ServiceRecord, err error) {
		assert.NoError(t, err)
		done <- r
	})
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.Equal(t, "a.local", r.Host)
		assert.Equal(t, []string{"10.0.0.1"}, r.Addresses)
		r.TXT["k"] = "mutated"
	case <-time.After(time.Second):
		t.Fatal("resolve did not complete")
	}

	// Handlers receive copies.
	assert.Equal(t, "v", s.Records()[0].TXT["k"])
}

func TestStaticResolveMissing(t *testing.T) {
	done := make(chan error, 1)
	_, err := newTestStatic(t).Resolve(context.Background(), "Ghost._svc._tcp.local", func(_ domain.ServiceRecord, err error) {
		done <- err
	})
	require.NoError(t, err)
	assert.ErrorIs(t, waitErr(t, done), domain.ErrNotFound)
}

func TestStaticResolveCancelWithLatency(t *testing.T) {
	s := NewStaticResolver(domain.StaticConfig{
		Records: []domain.ServiceRecord{{Name: "A._svc._tcp.local"}},
		Latency: time.Hour,
	}, testutil.Logger(t))

	var calls int
	var mu sync.Mutex
	done := make(chan error, 2)
	cancel, err := s.Resolve(context.Background(), "A._svc._tcp.local", func(_ domain.ServiceRecord, err error) {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- err
	})
	require.NoError(t, err)
	cancel()
	cancel()

	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestStaticRegistrationIsBrowsable(t *testing.T) {
	s := newTestStatic(t)
	c := &nameCollector{}
	sub, err := s.Browse(context.Background(), "_svc._tcp.local.", c.add)
	require.NoError(t, err)
	defer sub.Cancel()

	done := make(chan error, 1)
	handle, err := s.Register(context.Background(), domain.Instance{
		Name: "Self._svc._tcp.local",
		Host: "self.local",
		Port: 0,
		TXT:  map[string]string{},
	}, func(err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, waitErr(t, done))

	require.Eventually(t, func() bool { return len(c.sorted()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, "Self._svc._tcp.local", c.sorted()[0])

	resolved := make(chan domain.ServiceRecord, 1)
	_, err = s.Resolve(context.Background(), "Self._svc._tcp.local", func(r domain.ServiceRecord, err error) {
		assert.NoError(t, err)
		resolved <- r
	})
	require.NoError(t, err)
	select {
	case r := <-resolved:
		assert.EqualValues(t, 0, r.Port)
		assert.Equal(t, "self.local", r.Host)
	case <-time.After(time.Second):
		t.Fatal("resolve did not complete")
	}

	derr := make(chan error, 1)
	require.NoError(t, s.Deregister(handle, func(err error) { derr <- err }))
	require.NoError(t, waitErr(t, derr))
	assert.Empty(t, s.Records())
	assert.ErrorIs(t, s.Deregister(handle, func(error) {}), domain.ErrNotRegistered)
}

func TestStaticCancelledBrowseHearsNothing(t *testing.T) {
	s := newTestStatic(t)
	c := &nameCollector{}
	sub, err := s.Browse(context.Background(), "_svc._tcp.local", c.add)
	require.NoError(t, err)
	sub.Cancel()

	done := make(chan error, 1)
	_, err = s.Register(context.Background(), domain.Instance{Name: "Self._svc._tcp.local", Host: "h"}, func(err error) { done <- err })
	require.NoError(t, err)
	require.NoError(t, waitErr(t, done))

	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, c.sorted())
}

func TestStaticRejectsBadNames(t *testing.T) {
	s := newTestStatic(t)
	_, err := s.Browse(context.Background(), "", func(string) {})
	assert.ErrorIs(t, err, domain.ErrInvalidQuery)

	_, err = s.Register(context.Background(), domain.Instance{Name: "_svc._tcp.local", Host: "h"}, func(error) {})
	assert.ErrorIs(t, err, domain.ErrInvalidInstance)

	assert.ErrorIs(t, s.Deregister(&testutil.FakeHandle{}, func(error) {}), domain.ErrInvalidInput)
}
