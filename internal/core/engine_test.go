package core

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/dnssd/internal/adapters/discovery/metrics"
	"github.com/eleven-am/dnssd/internal/domain"
	"github.com/eleven-am/dnssd/internal/testutil"
)

func newTestEngine(t *testing.T) (*Engine, *testutil.FakeResolver, *metrics.Metrics) {
	t.Helper()
	fake := testutil.NewFakeResolver()
	m := metrics.New(prometheus.NewRegistry())

	opts := DefaultEngineOptions()
	opts.Logger = testutil.Logger(t)
	opts.Metrics = m
	opts.Registration.WaitTimeout = 200 * time.Millisecond

	e := NewEngine(fake, opts)
	t.Cleanup(func() { _ = e.Close() })
	return e, fake, m
}

func TestEngineScenarioBrowseResolveDeliver(t *testing.T) {
	e, fake, m := newTestEngine(t)
	got := make(chan domain.ServiceRecord, 4)

	require.NoError(t, e.StartBrowse(context.Background(), "_svc._tcp.local", func(r domain.ServiceRecord) { got <- r }))
	assert.True(t, e.Browsing())

	fake.EmitPtr("Printer._svc._tcp.local")
	fake.PendingResolve("Printer._svc._tcp.local").Complete(domain.ServiceRecord{
		Name:      "Printer._svc._tcp.local",
		Host:      "printer.local",
		Addresses: []string{"192.168.1.50"},
		Port:      9100,
		TXT:       map[string]string{"model": "LaserX"},
	}, nil)

	select {
	case r := <-got:
		assert.Equal(t, "Printer._svc._tcp.local", r.Name)
		assert.Equal(t, "printer.local", r.Host)
		assert.Equal(t, []string{"192.168.1.50"}, r.Addresses)
		assert.EqualValues(t, 9100, r.Port)
		assert.Equal(t, map[string]string{"model": "LaserX"}, r.TXT)
	case <-time.After(time.Second):
		t.Fatal("record not delivered")
	}

	select {
	case r := <-got:
		t.Fatalf("unexpected second record: %+v", r)
	case <-time.After(20 * time.Millisecond):
	}

	assert.Equal(t, 0, e.ActiveResolves())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.ResolvesTotal.WithLabelValues("fake", "delivered")))
	assert.Equal(t, 0.0, promtest.ToFloat64(m.ActiveResolves))
}

func TestEngineScenarioStopBeforeResolveCompletes(t *testing.T) {
	e, fake, m := newTestEngine(t)
	got := make(chan domain.ServiceRecord, 1)

	require.NoError(t, e.StartBrowse(context.Background(), "_svc._tcp.local", func(r domain.ServiceRecord) { got <- r }))
	fake.EmitPtr("Printer._svc._tcp.local")
	e.StopBrowse()
	fake.PendingResolve("Printer._svc._tcp.local").Complete(domain.ServiceRecord{Name: "Printer._svc._tcp.local", Port: 9100}, nil)

	select {
	case r := <-got:
		t.Fatalf("record delivered after stop: %+v", r)
	case <-time.After(30 * time.Millisecond):
	}
	assert.Equal(t, 0, e.ActiveResolves())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.StaleCallbacksTotal.WithLabelValues("resolve_after_stop")))
}

func TestEngineScenarioReplaceRegistration(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	log := &eventLog{}
	e.SubscribeRegistration(log.add)

	require.NoError(t, e.RegisterService(context.Background(), "My._svc._tcp.local", "host.local", 8080, map[string]string{}))
	first := fake.LastRegistration()
	first.Complete(nil)
	require.Equal(t, domain.StateRegistered, e.RegistrationState())

	require.NoError(t, e.RegisterService(context.Background(), "Other._svc._tcp.local", "host.local", 8081, map[string]string{}))
	require.Equal(t, domain.StateDeregistering, e.RegistrationState())
	fake.LastDeregistration().Complete(nil)
	fake.LastRegistration().Complete(nil)

	require.Equal(t, domain.StateRegistered, e.RegistrationState())
	inst, ok := e.RegisteredInstance()
	require.True(t, ok)
	assert.Equal(t, "Other._svc._tcp.local", inst.Name)
	assert.Equal(t, 1, fake.DeregisterCount(first.Handle))

	waitPath(t, log,
		domain.StateIdle, domain.StateRegistering, domain.StateRegistered,
		domain.StateDeregistering, domain.StateIdle,
		domain.StateRegistering, domain.StateRegistered)
}

func TestEngineScenarioZeroPortEmptyTXT(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	fake.AutoAck = true

	require.NoError(t, e.RegisterService(context.Background(), "Zero._svc._tcp.local", "host.local", 0, map[string]string{}))
	require.Eventually(t, func() bool { return e.RegistrationState() == domain.StateRegistered }, time.Second, 2*time.Millisecond)

	e.DeregisterService()
	require.Eventually(t, func() bool { return e.RegistrationState() == domain.StateIdle }, time.Second, 2*time.Millisecond)

	e.DeregisterService()
	assert.Equal(t, domain.StateIdle, e.RegistrationState())
}

func TestEngineBrowseAndRegistrationAreIndependent(t *testing.T) {
	e, fake, _ := newTestEngine(t)
	got := make(chan domain.ServiceRecord, 1)

	require.NoError(t, e.StartBrowse(context.Background(), "_svc._tcp.local", func(r domain.ServiceRecord) { got <- r }))
	require.NoError(t, e.RegisterService(context.Background(), "Self._svc._tcp.local", "host.local", 1, nil))

	// Registration stuck in Registering must not hold up discovery.
	fake.EmitPtr("Printer._svc._tcp.local")
	fake.PendingResolve("Printer._svc._tcp.local").Complete(domain.ServiceRecord{Name: "Printer._svc._tcp.local"}, nil)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("record not delivered while registration pending")
	}
	assert.Equal(t, domain.StateRegistering, e.RegistrationState())
}

func TestEngineCloseTearsEverythingDown(t *testing.T) {
	fake := testutil.NewFakeResolver()
	fake.AutoAck = true
	fake.CompleteOnCancel = true
	opts := DefaultEngineOptions()
	opts.Logger = testutil.Logger(t)
	e := NewEngine(fake, opts)

	require.NoError(t, e.StartBrowse(context.Background(), "_svc._tcp.local", func(domain.ServiceRecord) {}))
	fake.EmitPtr("Printer._svc._tcp.local")
	require.NoError(t, e.RegisterAndWait(context.Background(), domain.Instance{Name: "Self._svc._tcp.local", Host: "host.local", Port: 80}))

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.False(t, e.Browsing())
	assert.Equal(t, domain.StateIdle, e.RegistrationState())
	assert.Len(t, fake.Deregistrations(), 1)
	require.Eventually(t, func() bool { return e.ActiveResolves() == 0 }, time.Second, 2*time.Millisecond)

	err := e.StartBrowse(context.Background(), "_svc._tcp.local", func(domain.ServiceRecord) {})
	assert.True(t, domain.IsStartFailure(err))
	err = e.RegisterService(context.Background(), "Self._svc._tcp.local", "host.local", 80, nil)
	assert.ErrorIs(t, err, domain.ErrEngineClosed)
}

func TestEngineCloseReportsUnconfirmedDeregister(t *testing.T) {
	e, fake, _ := newTestEngine(t)

	require.NoError(t, e.RegisterService(context.Background(), "Self._svc._tcp.local", "host.local", 80, nil))
	require.Eventually(t, func() bool { return len(fake.Registrations()) == 1 }, time.Second, 2*time.Millisecond)
	require.True(t, fake.Registrations()[0].Complete(nil))
	require.Eventually(t, func() bool { return e.RegistrationState() == domain.StateRegistered }, time.Second, 2*time.Millisecond)

	err := e.Close()
	require.Error(t, err)
	assert.True(t, domain.IsCallbackDuringShutdown(err))
	assert.Len(t, fake.Deregistrations(), 1)
}
