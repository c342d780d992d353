package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/offgrid"
)

const table = `title,category,x,y
The Clan,Artwork,120.5,88
 Big  Fish ,Mutant Vehicle,3,-4

Sun Temple,Artwork,0.25,7
`

func TestParse(t *testing.T) {
	pts, err := Parse(strings.NewReader(table))
	require.NoError(t, err)
	require.Len(t, pts, 3)

	assert.Equal(t, Point{ID: "The_Clan_120.5_88", Title: "The Clan", Category: "Artwork", X: 120.5, Y: 88}, pts[0])
	assert.Equal(t, "Big_Fish_3_-4", pts[1].ID)
	assert.Equal(t, "Big  Fish", pts[1].Title)
}

func TestParseColumnsAnyOrderWithID(t *testing.T) {
	pts, err := Parse(strings.NewReader("\ufeffY,X,Category,Title,id\n1,2,Camp,Dust Bar,c-17\n"))
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, "c-17", pts[0].Key)
	assert.Equal(t, "Dust_Bar_2_1", pts[0].ID)
}

func TestParseRejectsBrokenTables(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = Parse(strings.NewReader("title,x,y\nA,1,2\n"))
	assert.ErrorIs(t, err, ErrMissingColumn)

	_, err = Parse(strings.NewReader("title,category,x,y\nA,Art,1,2\nB,Art,north,2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 3")

	_, err = Parse(strings.NewReader("title,category,x,y\nA,Art,1\n"))
	require.Error(t, err)

	for _, row := range []string{"Dome,art,NaN,1", "Dome,art,1,Inf", "Dome,art,-inf,+Inf"} {
		_, err = Parse(strings.NewReader("title,category,x,y\n" + row + "\n"))
		require.Error(t, err, row)
		assert.Contains(t, err.Error(), "not finite", row)
	}
}

func TestMarkerIDAndFilter(t *testing.T) {
	assert.Equal(t, "Temple_of_Dust_10_20.75", MarkerID("  Temple of\tDust ", 10, 20.75))

	pts, err := Parse(strings.NewReader(table))
	require.NoError(t, err)
	favs := Filter(pts, []string{"Sun_Temple_0.25_7", "The_Clan_120.5_88", "gone"})
	require.Len(t, favs, 2)
	assert.Equal(t, "The Clan", favs[0].Title)
	assert.Nil(t, Filter(pts, nil))
}

type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (s *memStore) Get(_ context.Context, k string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[k]
	return v, ok, nil
}

func (s *memStore) Set(_ context.Context, k string, v []byte, _ int64, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = map[string][]byte{}
	}
	s.m[k] = append([]byte(nil), v...)
	return true, nil
}

func (s *memStore) Del(_ context.Context, k string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, k)
	return nil
}

func (s *memStore) Close(context.Context) error { return nil }

func TestClientKeepsLastGood(t *testing.T) {
	var broken atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(table))
	}))
	defer srv.Close()

	store := &memStore{}
	opts := Options{URL: srv.URL + "/keys.csv", HTTP: srv.Client(), Store: store}
	cl, err := New(opts)
	require.NoError(t, err)

	snap, err := cl.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Points, 3)
	assert.False(t, snap.Stale)

	// a fresh client (process restart) recovers the table from the store
	broken.Store(true)
	cl2, err := New(opts)
	require.NoError(t, err)
	snap2, err := cl2.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, snap2.Stale)
	assert.Equal(t, snap.Points, snap2.Points)
}

func TestClientWithoutLastGood(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("title,category,x,y\nA,Art,oops,1\n"))
	}))
	defer srv.Close()

	cl, err := New(Options{URL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)
	snap, err := cl.Load(context.Background())
	require.Error(t, err)
	assert.NotNil(t, snap.Points)
	assert.Empty(t, snap.Points)
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cl, err := New(Options{URL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)
	_, err = cl.Load(context.Background())
	var fe *offgrid.FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, http.StatusNotFound, fe.Status)
}

func TestHandlerFiltersFavorites(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(table))
	}))
	defer origin.Close()
	cl, err := New(Options{URL: origin.URL, HTTP: origin.Client()})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	Handler(cl).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/points?ids=Sun_Temple_0.25_7,unknown", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Points, 1)
	assert.Equal(t, "Sun Temple", got.Points[0].Title)
	assert.False(t, got.Stale)
}

func TestHandlerWithoutAnyTable(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	defer origin.Close()
	cl, err := New(Options{URL: origin.URL, HTTP: origin.Client()})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	Handler(cl).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/points", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandlerKeepsLastGoodOnNonFiniteRow(t *testing.T) {
	var broken atomic.Bool
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			_, _ = w.Write([]byte("title,category,x,y\nDome,art,NaN,Inf\n"))
			return
		}
		_, _ = w.Write([]byte(table))
	}))
	defer origin.Close()
	cl, err := New(Options{URL: origin.URL, HTTP: origin.Client()})
	require.NoError(t, err)
	h := Handler(cl)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/points", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	broken.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/points", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Stale)
	assert.Len(t, got.Points, 3)
}
