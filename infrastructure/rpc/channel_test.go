package rpc

import (
	"context"
	"sync"
	"testing"
	"time"

	domainRPC "github.com/AzielCF/az-bridge/domains/rpc"
	pkgError "github.com/AzielCF/az-bridge/pkg/error"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct {
	Text string `json:"text"`
}

func setup(t *testing.T, timeout time.Duration) (*Client, *Server, *MemoryTransport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	transport := NewMemoryTransport()
	server := NewServer(transport)
	require.NoError(t, server.Start(ctx))

	client := NewClient(transport, "admin-1", timeout)
	require.NoError(t, client.Start(ctx))
	return client, server, transport
}

func TestChannel_RoundTrip(t *testing.T) {
	client, server, _ := setup(t, time.Second)
	server.Handle(domainRPC.KindDeliverQR, func(ctx context.Context, req domainRPC.Request) (any, error) {
		var in echo
		assert.NoError(t, req.Decode(&in))
		assert.Equal(t, "admin-1", req.Requester)
		assert.Equal(t, "1101", req.Scope)
		return echo{Text: "qr for " + in.Text}, nil
	})

	var out echo
	err := client.Call(context.Background(), domainRPC.KindDeliverQR, "", "1101", echo{Text: "1101"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "qr for 1101", out.Text)
	assert.Equal(t, 0, client.InFlight())
}

func TestChannel_RemoteErrorCarriesCode(t *testing.T) {
	client, server, _ := setup(t, time.Second)
	server.Handle(domainRPC.KindRefresh, func(ctx context.Context, req domainRPC.Request) (any, error) {
		return nil, pkgError.CooldownError("try again in 42s")
	})

	err := client.Call(context.Background(), domainRPC.KindRefresh, "", "1101", nil, nil)
	var remote *domainRPC.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "COOLDOWN", remote.Code)
	assert.Contains(t, remote.Message, "42s")
}

func TestChannel_UnknownKind(t *testing.T) {
	client, _, _ := setup(t, time.Second)

	err := client.Call(context.Background(), domainRPC.KindLogout, "", "1101", nil, nil)
	var remote *domainRPC.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "no handler")
}

func TestChannel_TimeoutNeverHangs(t *testing.T) {
	client, server, _ := setup(t, 100*time.Millisecond)
	server.Handle(domainRPC.KindDeliverAuthCode, func(ctx context.Context, req domainRPC.Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	start := time.Now()
	err := client.Call(context.Background(), domainRPC.KindDeliverAuthCode, "user-7", "", nil, nil)
	assert.ErrorIs(t, err, domainRPC.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, client.InFlight())
}

func TestChannel_DuplicateKeyRejected(t *testing.T) {
	client, server, _ := setup(t, time.Second)
	release := make(chan struct{})
	server.Handle(domainRPC.KindDeliverAuthCode, func(ctx context.Context, req domainRPC.Request) (any, error) {
		<-release
		return echo{Text: "ok"}, nil
	})

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstErr = client.Call(context.Background(), domainRPC.KindDeliverAuthCode, "user-7", "", nil, nil)
	}()

	require.Eventually(t, func() bool { return client.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	err := client.Call(context.Background(), domainRPC.KindDeliverAuthCode, "user-7", "", nil, nil)
	assert.ErrorIs(t, err, domainRPC.ErrDuplicateRequest)

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)

	// key is free again once resolved
	assert.NoError(t, client.Call(context.Background(), domainRPC.KindDeliverAuthCode, "user-7", "", nil, nil))
}

func TestChannel_NoResponder(t *testing.T) {
	transport := NewMemoryTransport()
	client := NewClient(transport, "admin-1", time.Second)

	err := client.Call(context.Background(), domainRPC.KindLogout, "", "1101", nil, nil)
	assert.ErrorIs(t, err, ErrNoResponder)
	assert.Equal(t, 0, client.InFlight())
}

func TestChannel_ClientCancelScope(t *testing.T) {
	client, server, _ := setup(t, 5*time.Second)
	server.Handle(domainRPC.KindDeliverQR, func(ctx context.Context, req domainRPC.Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Call(context.Background(), domainRPC.KindDeliverQR, "", "1101", nil, nil)
	}()
	require.Eventually(t, func() bool { return client.InFlight() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, client.CancelScope("1101"))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domainRPC.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("call did not return after cancel")
	}
}

func TestChannel_ServerCancelScope(t *testing.T) {
	client, server, _ := setup(t, 5*time.Second)
	started := make(chan struct{})
	server.Handle(domainRPC.KindImportHistory, func(ctx context.Context, req domainRPC.Request) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- client.Call(context.Background(), domainRPC.KindImportHistory, "", "1101", nil, nil)
	}()
	<-started

	assert.Equal(t, 1, server.CancelScope("1101"))
	select {
	case err := <-errCh:
		var remote *domainRPC.RemoteError
		assert.ErrorAs(t, err, &remote)
	case <-time.After(time.Second):
		t.Fatal("call did not return after server cancel")
	}
}

func TestServer_DiscardsExpiredRequests(t *testing.T) {
	transport := NewMemoryTransport()
	server := NewServer(transport)
	called := false
	server.Handle(domainRPC.KindLogout, func(ctx context.Context, req domainRPC.Request) (any, error) {
		called = true
		return nil, nil
	})

	server.serve(context.Background(), domainRPC.Request{
		ID:        "x",
		Kind:      domainRPC.KindLogout,
		ExpiresAt: time.Now().Add(-time.Second),
	})
	assert.False(t, called)
}
