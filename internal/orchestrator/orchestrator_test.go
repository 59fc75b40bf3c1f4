package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/metamcp/gateway/internal/errtracker"
	"github.com/metamcp/gateway/internal/model"
	"github.com/metamcp/gateway/internal/pool"
	"github.com/metamcp/gateway/internal/repository/memstore"
	"github.com/metamcp/gateway/internal/upstream"
)

func nopEntry() *logrus.Entry {
	l, _ := test.NewNullLogger()
	return logrus.NewEntry(l)
}

func TestWarmUpSkipsServersInErrorState(t *testing.T) {
	store := memstore.New()
	store.PutServer(model.McpServer{ServerUUID: "srv1", Name: "broken", Kind: model.ServerKindStdio, Command: "echo", ErrorStatus: model.ErrorStatusError})
	store.PutNamespaceMapping(model.NamespaceServerMapping{NamespaceUUID: "ns1", ServerUUID: "srv1", Status: model.MappingActive})

	p := pool.New(pool.Limits{MaxGlobalConnections: 10, MaxConnectionsPerApiKey: 10}, errtracker.New(store, 0), nopEntry())
	o := New(store, p, nil, upstream.Timeouts{}, time.Second, 0, nil, nopEntry())

	o.WarmUp(context.Background())
	if p.Size() != 0 {
		t.Fatalf("expected no connections warmed for an ERROR-state server, got %d", p.Size())
	}
}

type stubReaper struct{ stopped bool }

func (s *stubReaper) Stop() { s.stopped = true }

func TestShutdownStopsReaperAndDrainsPool(t *testing.T) {
	store := memstore.New()
	p := pool.New(pool.Limits{}, errtracker.New(store, 0), nopEntry())
	o := New(store, p, nil, upstream.Timeouts{}, time.Second, 0, nil, nopEntry())

	reaper := &stubReaper{}
	o.Shutdown(reaper)
	if !reaper.stopped {
		t.Fatal("expected Shutdown to stop the reaper")
	}
	if p.Size() != 0 {
		t.Fatalf("expected the pool to be drained, got %d connections", p.Size())
	}
}

func TestWarmUpSkipsServersNotMappedIntoAnyNamespace(t *testing.T) {
	store := memstore.New()
	store.PutServer(model.McpServer{ServerUUID: "srv1", Name: "unmapped", Kind: model.ServerKindStdio, Command: "echo"})

	p := pool.New(pool.Limits{MaxGlobalConnections: 10, MaxConnectionsPerApiKey: 10}, errtracker.New(store, 0), nopEntry())
	o := New(store, p, nil, upstream.Timeouts{}, time.Second, 0, nil, nopEntry())

	o.WarmUp(context.Background())
	if p.Size() != 0 {
		t.Fatalf("expected a server with no ACTIVE namespace mapping to never be warmed, got %d connections", p.Size())
	}
}

func TestWarmUpRespectsContextCancellationDuringDelay(t *testing.T) {
	store := memstore.New()
	store.PutServer(model.McpServer{ServerUUID: "srv1", Name: "svc", Kind: model.ServerKindStdio, Command: "echo"})
	store.PutNamespaceMapping(model.NamespaceServerMapping{NamespaceUUID: "ns1", ServerUUID: "srv1", Status: model.MappingActive})
	p := pool.New(pool.Limits{MaxGlobalConnections: 10, MaxConnectionsPerApiKey: 10}, errtracker.New(store, 0), nopEntry())
	o := New(store, p, nil, upstream.Timeouts{}, time.Second, time.Hour, nil, nopEntry())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	o.WarmUp(ctx)
	if p.Size() != 0 {
		t.Fatalf("expected warm-up to abort immediately on cancellation, got %d connections", p.Size())
	}
}

