package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/posync/internal/client/client"
	"github.com/dmitrijs2005/posync/internal/client/models"
	"github.com/dmitrijs2005/posync/internal/client/queue"
	clientsvc "github.com/dmitrijs2005/posync/internal/client/services"
	"github.com/dmitrijs2005/posync/internal/client/storage"
	"github.com/dmitrijs2005/posync/internal/client/storage/docstore"
	"github.com/dmitrijs2005/posync/internal/client/storage/sqlite"
	"github.com/dmitrijs2005/posync/internal/client/syncer"
	"github.com/dmitrijs2005/posync/internal/common"
	"github.com/dmitrijs2005/posync/internal/logging"
	"github.com/dmitrijs2005/posync/internal/server/api"
	"github.com/dmitrijs2005/posync/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/posync/internal/server/services"
)

type switchable struct{ online atomic.Bool }

func (s *switchable) IsOnline() bool { return s.online.Load() }

// lossyTransport delivers the first POST to path but loses its response.
type lossyTransport struct {
	base    http.RoundTripper
	path    string
	dropped atomic.Bool
}

func (l *lossyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := l.base.RoundTrip(req)
	if err == nil && req.Method == http.MethodPost && strings.HasSuffix(req.URL.Path, l.path) && l.dropped.CompareAndSwap(false, true) {
		resp.Body.Close()
		return nil, errors.New("connection reset by peer")
	}
	return resp, err
}

func serverStock(t *testing.T, svc *services.Service, id string) float64 {
	t.Helper()
	full, err := svc.Full(context.Background(), []string{services.CollectionProducts})
	require.NoError(t, err)
	for _, d := range full.Changes[services.CollectionProducts].Added {
		var p struct {
			ID    string  `json:"id"`
			Stock float64 `json:"stock"`
		}
		require.NoError(t, json.Unmarshal(d, &p))
		if p.ID == id {
			return p.Stock
		}
	}
	t.Fatalf("product %s not on the server", id)
	return 0
}

func TestOfflineFirstRoundTrip(t *testing.T) {
	ctx := context.Background()
	secret := []byte("secret")

	svc := services.NewService(repomanager.NewMemoryRepositoryManager(), services.WithTokens(secret, 0))
	ts := httptest.NewServer(api.New(svc, logging.NewNop(), api.WithBasePath("/api"), api.WithSecretKey(secret)).Handler())
	defer ts.Close()

	seeded, err := svc.Apply(ctx, services.Write{
		Collection: services.CollectionProducts,
		Action:     services.ActionCreate,
		Data:       json.RawMessage(`{"name":"Tea","sku":"T1","price":"2.50","stock":10}`),
	})
	require.NoError(t, err)
	productID := seeded.ID

	transport := &lossyTransport{base: http.DefaultTransport, path: "/sales"}
	remote, err := client.NewHTTPClient(ts.URL+"/api", client.WithHTTPClient(&http.Client{Transport: transport}))
	require.NoError(t, err)
	remote.SetDeviceID("till-1")

	_, err = remote.Full(ctx, nil)
	require.Error(t, err, "the server requires a token")

	token, err := remote.Register(ctx, models.DeviceInfo{DeviceID: "till-1", Name: "Till 1"})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	remote.SetToken(token)

	store := docstore.NewMemory()
	conn := &switchable{}
	conn.online.Store(true)

	proc := queue.NewProcessor(store, remote, conn, queue.DefaultConfig(), queue.WithDeviceID(func() string { return "till-1" }))
	coord := syncer.NewCoordinator(store, remote, conn)
	writer := clientsvc.NewWriter(store, remote, conn, proc)

	res, err := coord.Sync(ctx, nil)
	require.NoError(t, err)
	assert.True(t, res.Full)
	local, err := store.Products().GetByID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), local.Stock)

	// The sale reaches the server but the till never sees the answer.
	sale, err := clientsvc.NewSaleService(writer).CreateSale(ctx, &models.Sale{Lines: []models.SaleLine{
		{ProductID: productID, Quantity: 3, UnitPrice: decimal.RequireFromString("2.50")},
	}})
	require.NoError(t, err)
	assert.Equal(t, clientsvc.OutcomeQueued, sale.Outcome)
	assert.Equal(t, 7.0, serverStock(t, svc, productID))

	// Offline write.
	conn.online.Store(false)
	party, err := clientsvc.NewPartyService(writer).CreateParty(ctx, &models.Party{Name: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, clientsvc.OutcomeQueued, party.Outcome)
	assert.Equal(t, common.KindOffline, party.Kind)

	conn.online.Store(true)
	drained, err := proc.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, drained.Succeeded)

	// The replayed sale was acknowledged without a second effect.
	assert.Equal(t, 7.0, serverStock(t, svc, productID))
	full, err := svc.Full(ctx, []string{services.CollectionSales, services.CollectionParties})
	require.NoError(t, err)
	assert.Len(t, full.Changes[services.CollectionSales].Added, 1)
	assert.Len(t, full.Changes[services.CollectionParties].Added, 1)

	stats, err := proc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Outstanding())

	res, err = coord.Sync(ctx, nil)
	require.NoError(t, err)
	assert.False(t, res.Full)

	local, err = store.Products().GetByID(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, int64(7), local.Stock)

	sales, err := store.Sales().GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.False(t, models.IsTempID(sales[0].ID))
	assert.True(t, sales[0].Total.Equal(decimal.RequireFromString("7.5")))

	offline, err := store.Parties().GetOffline(ctx)
	require.NoError(t, err)
	assert.Empty(t, offline)
}

var dbSeq atomic.Int64

func clientEngines() map[string]func(t *testing.T) storage.Adapter {
	return map[string]func(t *testing.T) storage.Adapter{
		"docstore": func(t *testing.T) storage.Adapter { return docstore.NewMemory() },
		"sqlite": func(t *testing.T) storage.Adapter {
			a, err := sqlite.Open(context.Background(), fmt.Sprintf("file:posync_e2e_%d?mode=memory", dbSeq.Add(1)))
			require.NoError(t, err)
			t.Cleanup(func() { _ = a.Close() })
			return a
		},
	}
}

func TestLostCreateAnswerThenSync(t *testing.T) {
	for name, open := range clientEngines() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			svc := services.NewService(repomanager.NewMemoryRepositoryManager())
			ts := httptest.NewServer(api.New(svc, logging.NewNop(), api.WithBasePath("/api")).Handler())
			defer ts.Close()

			seeded, err := svc.Apply(ctx, services.Write{
				Collection: services.CollectionProducts,
				Action:     services.ActionCreate,
				Data:       json.RawMessage(`{"name":"Tea","sku":"T1","price":"2.50","stock":10}`),
			})
			require.NoError(t, err)

			transport := &lossyTransport{base: http.DefaultTransport, path: "/sales"}
			remote, err := client.NewHTTPClient(ts.URL+"/api", client.WithHTTPClient(&http.Client{Transport: transport}))
			require.NoError(t, err)

			store := open(t)
			conn := &switchable{}
			conn.online.Store(true)
			proc := queue.NewProcessor(store, remote, conn, queue.DefaultConfig())
			coord := syncer.NewCoordinator(store, remote, conn)
			writer := clientsvc.NewWriter(store, remote, conn, proc)

			_, err = coord.Sync(ctx, nil)
			require.NoError(t, err)

			sale, err := clientsvc.NewSaleService(writer).CreateSale(ctx, &models.Sale{Lines: []models.SaleLine{
				{ProductID: seeded.ID, Quantity: 3, UnitPrice: decimal.RequireFromString("2.50")},
			}})
			require.NoError(t, err)
			require.Equal(t, clientsvc.OutcomeQueued, sale.Outcome)

			// The delta carries the sale the till still holds under its temp id.
			res, err := coord.Sync(ctx, nil)
			require.NoError(t, err)
			assert.Equal(t, 1, res.Adopted)

			sales, err := store.Sales().GetAll(ctx)
			require.NoError(t, err)
			require.Len(t, sales, 1, "the sale must not be stored twice")
			serverID := sales[0].ID
			assert.False(t, models.IsTempID(serverID))
			assert.Equal(t, sale.TempID, sales[0].TempID)
			assert.Equal(t, "S-"+serverID, sales[0].Number)

			drained, err := proc.Drain(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, drained.Succeeded)

			sales, err = store.Sales().GetAll(ctx)
			require.NoError(t, err)
			require.Len(t, sales, 1)
			assert.Equal(t, serverID, sales[0].ID)
			assert.Equal(t, "S-"+serverID, sales[0].Number, "server fields survive the replay")
			assert.True(t, sales[0].IsSynced)
			assert.Equal(t, 7.0, serverStock(t, svc, seeded.ID))

			stats, err := proc.Stats(ctx)
			require.NoError(t, err)
			assert.Zero(t, stats.Outstanding())
		})
	}
}

func TestTillClockBehindServer(t *testing.T) {
	ctx := context.Background()
	serverNow := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tillNow := func() time.Time { return serverNow.Add(-2 * time.Second) }

	svc := services.NewService(repomanager.NewMemoryRepositoryManager(), services.WithClock(func() time.Time { return serverNow }))
	ts := httptest.NewServer(api.New(svc, logging.NewNop(), api.WithBasePath("/api")).Handler())
	defer ts.Close()

	remote, err := client.NewHTTPClient(ts.URL + "/api")
	require.NoError(t, err)
	store := docstore.NewMemory()
	conn := &switchable{}
	conn.online.Store(true)
	proc := queue.NewProcessor(store, remote, conn, queue.DefaultConfig(), queue.WithClock(tillNow))
	writer := clientsvc.NewWriter(store, remote, conn, proc, clientsvc.WithClock(tillNow))
	parties := clientsvc.NewPartyService(writer)

	created, err := parties.CreateParty(ctx, &models.Party{Name: "Ann", Kind: models.PartyCustomer})
	require.NoError(t, err)
	require.Equal(t, clientsvc.OutcomeSynced, created.Outcome)

	update := func(phone string) queue.DrainResult {
		t.Helper()
		conn.online.Store(false)
		p, err := store.Parties().GetByID(ctx, created.ID)
		require.NoError(t, err)
		p.Phone = phone
		res, err := parties.UpdateParty(ctx, p)
		require.NoError(t, err)
		require.Equal(t, clientsvc.OutcomeQueued, res.Outcome)
		conn.online.Store(true)
		dr, err := proc.Drain(ctx)
		require.NoError(t, err)
		return dr
	}

	dr := update("555")
	assert.Equal(t, 1, dr.Succeeded)
	assert.Zero(t, dr.Conflicts, "the only writer must not conflict with itself")

	// Another till edits the party; the next local edit is a real conflict.
	_, err = svc.Apply(ctx, services.Write{Collection: services.CollectionParties, Action: services.ActionUpdate,
		ID: created.ID, Data: json.RawMessage(`{"name":"Anna","kind":"customer"}`)})
	require.NoError(t, err)

	dr = update("777")
	assert.Equal(t, 1, dr.Conflicts)
}
