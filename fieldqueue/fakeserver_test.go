package fieldqueue

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-fieldsync/fielderr"
	"github.com/mobiletoly/go-fieldsync/fieldsync"
	"github.com/stretchr/testify/require"
)

// fakeServer is an in-memory stand-in for the fieldsync HTTP API.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	down atomic.Bool  // answer 503 to everything but /health
	hits atomic.Int32 // authenticated upload attempts, failed ones included

	mu       sync.Mutex
	requests []string          // "visit", "order", "photo" in arrival order
	visits   map[string]string // offline id -> server id
	orders   map[string]fieldsync.OrderRequest
	photos   map[string]string // offline id -> server visit id
	byServer map[string]bool   // server visit ids
	reject   map[string]*fieldsync.ErrorResponse
	status   map[string]int
	// block, when set, holds visit uploads until closed
	block   chan struct{}
	arrived chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		t:        t,
		visits:   make(map[string]string),
		orders:   make(map[string]fieldsync.OrderRequest),
		photos:   make(map[string]string),
		byServer: make(map[string]bool),
		reject:   make(map[string]*fieldsync.ErrorResponse),
		status:   make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeFake(w, http.StatusOK, fieldsync.DataResponse{Success: true})
	})
	mux.HandleFunc("POST /visits/sync", f.guard(f.handleVisit))
	mux.HandleFunc("POST /orders/sync", f.guard(f.handleOrder))
	mux.HandleFunc("POST /photos/sync", f.guard(f.handlePhoto))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) URL() string { return f.srv.URL }

func (f *fakeServer) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			writeFake(w, http.StatusUnauthorized, fieldsync.ErrorResponse{Error: fielderr.CodeUnauthenticated, Message: "missing token"})
			return
		}
		f.hits.Add(1)
		if f.down.Load() {
			writeFake(w, http.StatusServiceUnavailable, fieldsync.ErrorResponse{Error: fielderr.CodeInternal, Message: "maintenance"})
			return
		}
		next(w, r)
	}
}

// rejectOffline makes the server refuse the given offline id (or visit store id) with status and code.
func (f *fakeServer) rejectOffline(offlineID string, status int, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject[offlineID] = &fieldsync.ErrorResponse{Error: code, Message: "rejected by test"}
	f.status[offlineID] = status
}

func (f *fakeServer) accept(offlineID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reject, offlineID)
	delete(f.status, offlineID)
}

func (f *fakeServer) rejection(offlineID string) (int, *fieldsync.ErrorResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[offlineID], f.reject[offlineID]
}

// preload records a visit as if an earlier upload had reached the server.
func (f *fakeServer) preload(offlineID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.visits[offlineID] = id
	f.byServer[id] = true
	return id
}

func (f *fakeServer) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeServer) handleVisit(w http.ResponseWriter, r *http.Request) {
	var req fieldsync.VisitRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

	f.mu.Lock()
	f.requests = append(f.requests, "visit")
	block, arrived := f.block, f.arrived
	f.mu.Unlock()
	if block != nil {
		arrived <- struct{}{}
		<-block
	}

	for _, key := range []string{req.OfflineID, req.StoreID} {
		if status, rej := f.rejection(key); rej != nil {
			writeFake(w, status, rej)
			return
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.visits[req.OfflineID]; ok {
		writeFake(w, http.StatusConflict, fieldsync.ErrorResponse{
			Error:   fielderr.CodeAlreadySynced,
			Message: "visit already synced",
			Details: map[string]any{"id": id, "offline_id": req.OfflineID},
		})
		return
	}
	id := uuid.NewString()
	f.visits[req.OfflineID] = id
	f.byServer[id] = true
	writeFake(w, http.StatusCreated, fieldsync.DataResponse{Success: true, Data: fieldsync.VisitResponse{ID: id, StoreID: req.StoreID}})
}

func (f *fakeServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	var req fieldsync.OrderRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	if status, rej := f.rejection(req.OfflineID); rej != nil {
		writeFake(w, status, rej)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, "order")
	if !f.byServer[req.VisitID] {
		writeFake(w, http.StatusNotFound, fieldsync.ErrorResponse{Error: fielderr.CodeNotFound, Message: "visit not found"})
		return
	}
	if _, ok := f.orders[req.OfflineID]; ok {
		writeFake(w, http.StatusOK, fieldsync.DataResponse{Success: true, Data: fieldsync.OrderResponse{ID: "order-" + req.OfflineID, Replayed: true}})
		return
	}
	f.orders[req.OfflineID] = req
	writeFake(w, http.StatusCreated, fieldsync.DataResponse{Success: true, Data: fieldsync.OrderResponse{
		ID:      "order-" + req.OfflineID,
		VisitID: req.VisitID,
		Status:  fieldsync.OrderSynced,
		Total:   fieldsync.OrderTotal(req.Items),
	}})
}

func (f *fakeServer) handlePhoto(w http.ResponseWriter, r *http.Request) {
	require.NoError(f.t, r.ParseMultipartForm(16<<20))
	offlineID := r.FormValue("offline_id")
	visitID := r.FormValue("visit_id")
	file, _, err := r.FormFile("file")
	require.NoError(f.t, err)
	data, err := io.ReadAll(file)
	require.NoError(f.t, err)
	require.NotEmpty(f.t, data)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, "photo")
	if !f.byServer[visitID] {
		writeFake(w, http.StatusNotFound, fieldsync.ErrorResponse{Error: fielderr.CodeNotFound, Message: "visit not found"})
		return
	}
	count := 0
	for _, v := range f.photos {
		if v == visitID {
			count++
		}
	}
	if count >= fieldsync.DefaultMaxPhotosPerVisit {
		writeFake(w, http.StatusConflict, fieldsync.ErrorResponse{Error: fielderr.CodePhotoLimit, Message: "too many photos"})
		return
	}
	f.photos[offlineID] = visitID
	writeFake(w, http.StatusCreated, fieldsync.DataResponse{Success: true, Data: fieldsync.PhotoResponse{ID: "photo-" + offlineID, VisitID: visitID}})
}

func writeFake(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// testPNG encodes a small solid image.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		for y := 0; y < 8; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 20, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}
