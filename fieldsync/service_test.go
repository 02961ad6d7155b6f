package fieldsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/internal/auth"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncVisit_ReplayAnswersAlreadySynced(t *testing.T) {
	svc := newTestService(t, nil)
	f := newFixture(t, svc)
	ctx := context.Background()

	req := f.visitRequest(uuid.NewString(), northOf(mexicoCity, 15))
	first, err := svc.SyncVisit(ctx, f.actor, req)
	require.NoError(t, err)
	require.NotNil(t, first.DistanceMeters)
	assert.InDelta(t, 15, *first.DistanceMeters, 0.5)
	require.NotNil(t, first.OfflineID)
	assert.Equal(t, req.OfflineID, *first.OfflineID)

	_, err = svc.SyncVisit(ctx, f.actor, f.visitRequest(req.OfflineID, northOf(mexicoCity, 15)))
	require.Error(t, err)
	id, ok := fielderr.IsAlreadySynced(err)
	require.True(t, ok)
	assert.Equal(t, first.ID, id)
	assert.Equal(t, fielderr.KindConflict, fielderr.KindOf(err))

	var count int
	require.NoError(t, svc.Pool().QueryRow(ctx, `SELECT count(*) FROM visits WHERE offline_id = $1`, req.OfflineID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSyncVisit_ConcurrentReplayCreatesOneRow(t *testing.T) {
	svc := newTestService(t, nil)
	f := newFixture(t, svc)
	ctx := context.Background()
	offlineID := uuid.NewString()

	const workers = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []string
		replays []string
		other   []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := svc.SyncVisit(ctx, f.actor, f.visitRequest(offlineID, northOf(mexicoCity, 20)))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				created = append(created, v.ID)
				return
			}
			if id, ok := fielderr.IsAlreadySynced(err); ok {
				replays = append(replays, id)
				return
			}
			other = append(other, err)
		}()
	}
	wg.Wait()

	require.Empty(t, other)
	require.Len(t, created, 1)
	require.Len(t, replays, workers-1)
	for _, id := range replays {
		assert.Equal(t, created[0], id)
	}
}

func TestSyncVisit_Geofence(t *testing.T) {
	svc := newTestService(t, nil)
	f := newFixture(t, svc)
	ctx := context.Background()

	_, err := svc.SyncVisit(ctx, f.actor, f.visitRequest(uuid.NewString(), northOf(mexicoCity, 99.5)))
	require.NoError(t, err)

	_, err = svc.SyncVisit(ctx, f.actor, f.visitRequest(uuid.NewString(), northOf(mexicoCity, 150)))
	var pe *fielderr.ProximityError
	require.ErrorAs(t, err, &pe)
	assert.InDelta(t, 150, pe.Distance, 0.5)
	assert.Equal(t, 100.0, pe.MaxDistance)

	t.Run("exactly at the radius is accepted", func(t *testing.T) {
		edge := onGeofenceEdge(mexicoCity, 100.0)
		v, err := svc.SyncVisit(ctx, f.actor, f.visitRequest(uuid.NewString(), edge))
		require.NoError(t, err)
		require.NotNil(t, v.DistanceMeters)
		assert.InDelta(t, 100.0, *v.DistanceMeters, 1e-6)
	})

	t.Run("just past the radius is rejected", func(t *testing.T) {
		_, err := svc.SyncVisit(ctx, f.actor, f.visitRequest(uuid.NewString(), northOf(mexicoCity, 100.1)))
		var pe *fielderr.ProximityError
		require.ErrorAs(t, err, &pe)
		assert.InDelta(t, 100.1, pe.Distance, 0.001)
		assert.Equal(t, 100.0, pe.MaxDistance)
	})

	t.Run("store without coordinates skips the check", func(t *testing.T) {
		store, err := svc.UpsertStore(ctx, &StoreRequest{Name: "Sin coordenadas"})
		require.NoError(t, err)
		require.NoError(t, svc.AssignStore(ctx, f.actor.UserID, store.ID))

		far := northOf(mexicoCity, 5000)
		v, err := svc.SyncVisit(ctx, f.actor, &VisitRequest{
			OfflineID: uuid.NewString(), StoreID: store.ID, Latitude: far.Latitude, Longitude: far.Longitude,
		})
		require.NoError(t, err)
		assert.Nil(t, v.DistanceMeters)
	})
}

func TestSyncVisit_RejectsUnknownStoreAndUnassignedUser(t *testing.T) {
	svc := newTestService(t, nil)
	f := newFixture(t, svc)
	ctx := context.Background()

	req := f.visitRequest(uuid.NewString(), mexicoCity)
	req.StoreID = uuid.NewString()
	_, err := svc.SyncVisit(ctx, f.actor, req)
	assert.Equal(t, fielderr.KindNotFound, fielderr.KindOf(err))

	stranger := auth.Actor{UserID: "rep-" + uuid.NewString(), DeviceID: "d", Role: auth.RoleRepartidor}
	_, err = svc.SyncVisit(ctx, stranger, f.visitRequest(uuid.NewString(), mexicoCity))
	assert.Equal(t, fielderr.KindForbidden, fielderr.KindOf(err))

	admin := auth.Actor{UserID: "admin", DeviceID: "d", Role: auth.RoleAdmin}
	_, err = svc.SyncVisit(ctx, admin, f.visitRequest(uuid.NewString(), mexicoCity))
	require.NoError(t, err)

	_, err = svc.SyncVisit(ctx, f.actor, &VisitRequest{StoreID: f.store.ID, Latitude: mexicoCity.Latitude, Longitude: mexicoCity.Longitude})
	assert.Equal(t, fielderr.KindValidation, fielderr.KindOf(err))
}

func TestSyncOrder_IdempotentAndOnePerVisit(t *testing.T) {
	svc := newTestService(t, nil)
	f := newFixture(t, svc)
	ctx := context.Background()
	visit := f.syncVisit(t)

	req := &OrderRequest{
		OfflineID: uuid.NewString(),
		VisitID:   visit.ID,
		Items: []OrderItemRequest{
			{ProductID: "COCA-600", Quantity: 12, UnitPrice: decimal.RequireFromString("17.50")},
			{ProductID: "SABRITAS-45", Quantity: 5, UnitPrice: decimal.RequireFromString("18.00")},
		},
		Notes: "entregar por la tarde",
	}
	order, err := svc.SyncOrder(ctx, f.actor, req)
	require.NoError(t, err)
	assert.Equal(t, OrderSynced, order.Status)
	assert.True(t, decimal.RequireFromString("300.00").Equal(order.Total), order.Total.String())
	require.Len(t, order.Items, 2)
	assert.Equal(t, "COCA-600", order.Items[0].ProductID)
	assert.False(t, order.Replayed)

	replay, err := svc.SyncOrder(ctx, f.actor, req)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, order.ID, replay.ID)
	assert.Len(t, replay.Items, 2)

	second := *req
	second.OfflineID = uuid.NewString()
	_, err = svc.SyncOrder(ctx, f.actor, &second)
	require.Error(t, err)
	assert.Equal(t, fielderr.CodeOrderExists, fielderr.CodeOf(err))

	got, err := svc.GetOrder(ctx, f.actor, order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.ID, got.ID)
}

func TestSyncOrder_RequiresVisitOwnedByActor(t *testing.T) {
	svc := newTestService(t, nil)
	f := newFixture(t, svc)
	ctx := context.Background()
	items := []OrderItemRequest{{ProductID: "P1", Quantity: 1, UnitPrice: decimal.NewFromInt(10)}}

	_, err := svc.SyncOrder(ctx, f.actor, &OrderRequest{OfflineID: uuid.NewString(), VisitID: uuid.NewString(), Items: items})
	assert.Equal(t, fielderr.KindNotFound, fielderr.KindOf(err))

	visit := f.syncVisit(t)
	other := auth.Actor{UserID: "rep-" + uuid.NewString(), DeviceID: "d", Role: auth.RoleRepartidor}
	_, err = svc.SyncOrder(ctx, other, &OrderRequest{OfflineID: uuid.NewString(), VisitID: visit.ID, Items: items})
	assert.Equal(t, fielderr.KindForbidden, fielderr.KindOf(err))

	_, err = svc.SyncOrder(ctx, f.actor, &OrderRequest{OfflineID: uuid.NewString(), VisitID: visit.ID})
	assert.Equal(t, fielderr.KindValidation, fielderr.KindOf(err))
}

func TestSyncOrder_ConcurrentDifferentOrdersForSameVisit(t *testing.T) {
	svc := newTestService(t, nil)
	f := newFixture(t, svc)
	ctx := context.Background()
	visit := f.syncVisit(t)

	const workers = 4
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.SyncOrder(ctx, f.actor, &OrderRequest{
				OfflineID: uuid.NewString(),
				VisitID:   visit.ID,
				Items:     []OrderItemRequest{{ProductID: "P1", Quantity: i + 1, UnitPrice: decimal.NewFromInt(3)}},
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, fielderr.CodeOrderExists, fielderr.CodeOf(err))
	}
	assert.Equal(t, 1, succeeded)
}

func TestOrderStatusTransitions(t *testing.T) {
	svc := newTestService(t, nil)
	f := newFixture(t, svc)
	ctx := context.Background()
	visit := f.syncVisit(t)

	order, err := svc.CreateOrder(ctx, f.actor, &OrderRequest{
		VisitID: visit.ID,
		Items:   []OrderItemRequest{{ProductID: "P1", Quantity: 2, UnitPrice: decimal.RequireFromString("9.99")}},
	})
	require.NoError(t, err)
	assert.Equal(t, OrderPending, order.Status)
	assert.Nil(t, order.OfflineID)

	order, err = svc.UpdateOrderStatus(ctx, f.actor, order.ID, &OrderStatusRequest{Status: OrderProcessing})
	require.NoError(t, err)
	assert.Equal(t, OrderProcessing, order.Status)

	_, err = svc.UpdateOrderStatus(ctx, f.actor, order.ID, &OrderStatusRequest{Status: OrderSynced})
	require.Error(t, err)
	assert.Equal(t, fielderr.CodeInvalidState, fielderr.CodeOf(err))

	order, err = svc.UpdateOrderStatus(ctx, f.actor, order.ID, &OrderStatusRequest{Status: OrderCompleted})
	require.NoError(t, err)
	assert.Equal(t, OrderCompleted, order.Status)

	_, err = svc.UpdateOrderStatus(ctx, f.actor, order.ID, &OrderStatusRequest{Status: OrderCancelled})
	assert.Equal(t, fielderr.CodeInvalidState, fielderr.CodeOf(err))

	_, err = svc.UpdateOrderStatus(ctx, f.actor, order.ID, &OrderStatusRequest{Status: "SHIPPED"})
	assert.Equal(t, fielderr.KindValidation, fielderr.KindOf(err))
}

func TestSyncPhoto_LimitReplayAndContent(t *testing.T) {
	svc := newTestService(t, nil)
	f := newFixture(t, svc)
	ctx := context.Background()
	visit := f.syncVisit(t)
	content := testPNG(t, 640, 480)

	var first *PhotoResponse
	var firstReq *PhotoRequest
	for i := 0; i < DefaultMaxPhotosPerVisit; i++ {
		req := &PhotoRequest{OfflineID: uuid.NewString(), VisitID: visit.ID, Caption: "anaquel", Content: content}
		p, err := svc.SyncPhoto(ctx, f.actor, req)
		require.NoError(t, err)
		assert.Equal(t, "image/png", p.ContentType)
		assert.Equal(t, 640, p.Width)
		assert.Equal(t, 480, p.Height)
		if first == nil {
			first, firstReq = p, req
		}
	}

	_, err := svc.SyncPhoto(ctx, f.actor, &PhotoRequest{OfflineID: uuid.NewString(), VisitID: visit.ID, Content: content})
	require.Error(t, err)
	assert.Equal(t, fielderr.CodePhotoLimit, fielderr.CodeOf(err))

	replay, err := svc.SyncPhoto(ctx, f.actor, firstReq)
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, first.ID, replay.ID)

	data, contentType, err := svc.GetPhotoContent(ctx, f.actor, first.ID, false)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, content, data)

	thumb, contentType, err := svc.GetPhotoContent(ctx, f.actor, first.ID, true)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", contentType)
	assert.Equal(t, "image/jpeg", DetectPhotoType(thumb))
}

func TestSyncPhoto_RejectsUnsupportedContent(t *testing.T) {
	svc := newTestService(t, nil)
	f := newFixture(t, svc)
	visit := f.syncVisit(t)

	_, err := svc.SyncPhoto(context.Background(), f.actor, &PhotoRequest{
		OfflineID: uuid.NewString(),
		VisitID:   visit.ID,
		Content:   []byte("%PDF-1.4 not an image"),
	})
	require.Error(t, err)
	assert.Equal(t, fielderr.KindValidation, fielderr.KindOf(err))
}

type recordingMetrics struct {
	mu      sync.Mutex
	timings []StageTiming
}

func (r *recordingMetrics) ObserveStage(_ context.Context, timing StageTiming) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timings = append(r.timings, timing)
}

func TestStageMetricsRecorded(t *testing.T) {
	rec := &recordingMetrics{}
	svc := newTestService(t, &ServiceConfig{StageMetrics: rec})
	f := newFixture(t, svc)
	f.syncVisit(t)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var ops []string
	for _, tm := range rec.timings {
		ops = append(ops, tm.Operation+"/"+tm.Stage)
	}
	assert.Contains(t, ops, MetricsOpSyncVisit+"/"+MetricsStageTx)
	assert.Contains(t, ops, MetricsOpSyncVisit+"/"+MetricsStageTotal)
}

func TestClosedServiceRejectsCalls(t *testing.T) {
	svc := newTestService(t, nil)
	require.NoError(t, svc.Close())
	_, err := svc.GetVisit(context.Background(), auth.Actor{UserID: "u"}, uuid.NewString())
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
