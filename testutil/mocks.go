// Package testutil holds shared test helpers: a mock Steam server and a
// Postgres test database.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// MockSteamServer creates a test server that mocks the Steam storefront and
// Web API. Handlers are keyed by URL path.
type MockSteamServer struct {
	*httptest.Server
	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

const (
	AppDetailsPath  = "/api/appdetails"
	StoreSearchPath = "/api/storesearch/"
	PlayerCountPath = "/ISteamUserStats/GetNumberOfCurrentPlayers/v1/"
)

// NewMockSteamServer creates a new mock Steam server closed at test cleanup.
func NewMockSteamServer(t *testing.T) *MockSteamServer {
	t.Helper()
	m := &MockSteamServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers h for path.
func (m *MockSteamServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Handlers[path] = h
}

// Hits returns how many requests reached path.
func (m *MockSteamServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// AppDetails is the store data served for one app. Nil fields are omitted.
type AppDetails struct {
	Name        string
	Price       *string
	ReleaseDate *string
	ComingSoon  bool
}

// MockAppDetails serves appdetails for the given apps. Unknown ids answer
// with success false, like Steam does.
func (m *MockSteamServer) MockAppDetails(apps map[int64]AppDetails) {
	m.Handle(AppDetailsPath, func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("appids")
		appID, _ := strconv.ParseInt(id, 10, 64)
		app, ok := apps[appID]
		entry := map[string]interface{}{"success": ok}
		if ok {
			data := map[string]interface{}{
				"name":         app.Name,
				"header_image": "https://cdn.example/" + id + "/header.jpg",
				"genres":       []map[string]string{{"id": "1", "description": "Action"}},
			}
			if app.Price != nil {
				data["price_overview"] = map[string]interface{}{"currency": "USD", "final_formatted": *app.Price}
			}
			rd := map[string]interface{}{"coming_soon": app.ComingSoon}
			if app.ReleaseDate != nil {
				rd["date"] = *app.ReleaseDate
			}
			data["release_date"] = rd
			entry["data"] = data
		}
		writeJSON(w, map[string]interface{}{id: entry})
	})
}

// SearchItem is one storesearch hit.
type SearchItem struct {
	ID   int64
	Name string
}

// MockStoreSearch serves storesearch with a fixed result list.
func (m *MockSteamServer) MockStoreSearch(items []SearchItem) {
	m.Handle(StoreSearchPath, func(w http.ResponseWriter, r *http.Request) {
		out := make([]map[string]interface{}, 0, len(items))
		for _, it := range items {
			out = append(out, map[string]interface{}{"type": "app", "id": it.ID, "name": it.Name})
		}
		writeJSON(w, map[string]interface{}{"total": len(items), "items": out})
	})
}

// MockPlayerCounts serves GetNumberOfCurrentPlayers from counts. Unknown ids
// report zero players.
func (m *MockSteamServer) MockPlayerCounts(counts map[int64]int) {
	m.Handle(PlayerCountPath, func(w http.ResponseWriter, r *http.Request) {
		appID, _ := strconv.ParseInt(r.URL.Query().Get("appid"), 10, 64)
		writeJSON(w, map[string]interface{}{
			"response": map[string]interface{}{"player_count": counts[appID], "result": 1},
		})
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
