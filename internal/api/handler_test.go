package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-civictrack/internal/accounts"
	"github.com/mr1hm/go-civictrack/internal/feed"
	"github.com/mr1hm/go-civictrack/internal/ingestion"
	"github.com/mr1hm/go-civictrack/internal/location"
	"github.com/mr1hm/go-civictrack/internal/models"
	"github.com/mr1hm/go-civictrack/internal/reports"
	"github.com/mr1hm/go-civictrack/internal/repository"
	"github.com/mr1hm/go-civictrack/internal/stream"
)

type fakeFetcher struct {
	added int
}

func (f *fakeFetcher) FetchNow(ctx context.Context, source string) (int, error) {
	if source != "simulated" {
		return 0, ingestion.ErrUnknownSource
	}
	return f.added, nil
}

type testEnv struct {
	router *gin.Engine
	db     *repository.SQLiteDB
	loop   *feed.Loop
	stream *stream.Broadcaster
}

// nominatim serves Paris for "paris" and nothing for anything else.
func nominatim(t *testing.T) *location.Geocoder {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.EqualFold(r.URL.Query().Get("q"), "paris") {
			w.Write([]byte(`[{"lat":"48.8566","lon":"2.3522","display_name":"Paris, France"}]`))
			return
		}
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(srv.Close)
	return location.NewGeocoder(srv.URL, "civictrack-test", 2*time.Second)
}

func setupTestRouter(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := repository.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := stream.NewBroadcaster()
	loop := feed.NewLoop(db, feed.Options{Interval: time.Hour, RadiusKm: 5}, b)
	require.NoError(t, loop.Start(context.Background()))
	t.Cleanup(func() {
		loop.Stop()
		b.Close()
	})

	router := gin.New()
	h := NewHandler(Deps{
		Feed:          loop,
		Stream:        b,
		Reports:       reports.NewService(db, db, loop),
		Accounts:      accounts.NewService(db),
		Settings:      db,
		Ingestion:     &fakeFetcher{added: 2},
		Geocoder:      nominatim(t),
		RadiusOptions: []float64{1, 5, 10},
		DefaultSettings: models.Settings{
			DefaultRadiusKm: 5,
			AutoLocation:    true,
			Notifications:   models.NotificationSettings{NewIssues: true, IssueUpdates: true},
		},
	})
	h.RegisterRoutes(router)

	return &testEnv{router: router, db: db, loop: loop, stream: b}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (e *testEnv) addUser(t *testing.T, id string, admin bool) {
	t.Helper()
	require.NoError(t, e.db.AddUser(context.Background(), &models.User{
		ID:       id,
		Name:     "User " + id,
		Email:    id + "@example.com",
		IsAdmin:  admin,
		JoinedAt: time.Now(),
	}))
}

func TestHealth(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "ok", decode[map[string]string](t, w)["status"])
}

func TestFeed_UnavailableUntilLocated(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodGet, "/api/feed", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[feedResponse](t, w)
	require.False(t, resp.LocationAvailable)
	require.Equal(t, "idle", resp.State)
	require.Empty(t, resp.Entries)

	w = env.do(t, http.MethodPost, "/api/feed/refresh", "")
	require.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/location/unavailable", `{"reason":"denied"}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[feedResponse](t, w)
	require.Equal(t, "denied", resp.Failure)

	w = env.do(t, http.MethodPost, "/api/location/unavailable", `{"reason":"bored"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/location", `{"latitude":95,"longitude":0}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/location", `{"latitude":40.7128,"longitude":-74.006}`)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[feedResponse](t, w)
	require.True(t, resp.LocationAvailable)
	require.Equal(t, "active", resp.State)
	require.Empty(t, resp.Failure)
	require.Zero(t, resp.Count)

	// Reported without coordinates, so it lands on the reference point.
	w = env.do(t, http.MethodPost, "/api/issues", `{"title":"Pothole","category":"roads"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[issueResponse](t, w)

	w = env.do(t, http.MethodGet, "/api/feed", "")
	resp = decode[feedResponse](t, w)
	require.Equal(t, 1, resp.Count)
	require.Equal(t, 1, resp.NewCount)
	require.Equal(t, created.ID, resp.Entries[0].ID)
	require.True(t, resp.Entries[0].IsNew)
	require.Equal(t, "ingest", resp.Trigger)

	w = env.do(t, http.MethodPost, "/api/feed/refresh", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[feedResponse](t, w)
	require.Equal(t, "manual", resp.Trigger)
	require.Zero(t, resp.NewCount)
}

func TestFeed_Radius(t *testing.T) {
	env := setupTestRouter(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not an option", `{"radius_km":7}`, http.StatusBadRequest},
		{"missing", `{}`, http.StatusBadRequest},
		{"negative", `{"radius_km":-1}`, http.StatusBadRequest},
		{"valid", `{"radius_km":10}`, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPut, "/api/feed/radius", tt.body)
			require.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
	require.Equal(t, 10.0, env.loop.Radius())
}

func TestLocationSearch(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodGet, "/api/geocode?q=Paris", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "Paris, France")

	w = env.do(t, http.MethodGet, "/api/geocode?q=Atlantis", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not-found", decode[map[string]string](t, w)["failure"])

	w = env.do(t, http.MethodPost, "/api/location/search", `{"query":"Paris"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.Eventually(t, func() bool {
		ref, ok := env.loop.Reference()
		return ok && ref.Latitude == 48.8566
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, feed.StateActive, env.loop.State())
}

func TestLocationSearch_Disabled(t *testing.T) {
	env := setupTestRouter(t)
	h := NewHandler(Deps{Feed: env.loop})
	router := gin.New()
	router.GET("/api/geocode", h.geocode)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/geocode?q=Paris", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestIssues_CreateAndList(t *testing.T) {
	env := setupTestRouter(t)

	bad := []struct {
		name string
		body string
	}{
		{"missing title", `{"category":"roads","latitude":1,"longitude":1}`},
		{"unknown category", `{"title":"x","category":"noise","latitude":1,"longitude":1}`},
		{"latitude only", `{"title":"x","category":"roads","latitude":1}`},
		{"out of range", `{"title":"x","category":"roads","latitude":91,"longitude":1}`},
		{"too many photos", `{"title":"x","category":"roads","latitude":1,"longitude":1,"photos":["a","b","c","d"]}`},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/issues", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	// No coordinates and no reference point.
	w := env.do(t, http.MethodPost, "/api/issues", `{"title":"x","category":"roads"}`)
	require.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/issues", `{"title":"Broken lamp","category":"lighting","latitude":40.71,"longitude":-74.0}`)
	require.Equal(t, http.StatusCreated, w.Code)
	lamp := decode[issueResponse](t, w)
	require.Equal(t, models.AnonymousName, lamp.Reporter)
	require.Equal(t, models.StatusReported, lamp.Status)

	env.addUser(t, "u1", false)
	w = env.do(t, http.MethodPost, "/api/issues", `{"title":"Leak","category":"water","latitude":40.72,"longitude":-74.0}`, userIDHeader, "u1")
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, "User u1", decode[issueResponse](t, w).Reporter)

	w = env.do(t, http.MethodGet, "/api/issues", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/geo+json", w.Header().Get("Content-Type"))
	fc := decode[FeatureCollection](t, w)
	require.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 2)
	require.Equal(t, []float64{-74.0, 40.71}, fc.Features[0].Geometry.Coordinates)

	w = env.do(t, http.MethodGet, "/api/issues?category=water", "")
	fc = decode[FeatureCollection](t, w)
	require.Len(t, fc.Features, 1)
	require.Equal(t, "Leak", fc.Features[0].Properties["title"])

	w = env.do(t, http.MethodGet, "/api/issues?status=closed", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/issues/"+lamp.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/issues/local_missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/issues/"+lamp.ID+"/flag", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode[map[string]any](t, w)["flags"])

	w = env.do(t, http.MethodGet, "/api/issues?flagged=true", "")
	require.Len(t, decode[FeatureCollection](t, w).Features, 1)
}

func TestFetchExternal(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodPost, "/api/external/fetch", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 2, decode[map[string]any](t, w)["added"])

	w = env.do(t, http.MethodPost, "/api/external/fetch?source=twitter", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUsers_SignupAndLogin(t *testing.T) {
	env := setupTestRouter(t)
	signup := `{"name":"Jane Smith","email":"jane@example.com","password":"secret1","confirm_password":"secret1"}`

	w := env.do(t, http.MethodPost, "/api/users/signup", signup)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	user := decode[userResponse](t, w)
	require.False(t, user.IsAdmin)
	require.NotContains(t, w.Body.String(), "password")

	w = env.do(t, http.MethodPost, "/api/users/signup", signup)
	require.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/users/signup", `{"name":"A","email":"a@example.com","password":"secret1","confirm_password":"secret2"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	long := strings.Repeat("a", 80)
	w = env.do(t, http.MethodPost, "/api/users/signup", `{"name":"A","email":"a@example.com","password":"`+long+`","confirm_password":"`+long+`"}`)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/users/login", `{"email":"jane@example.com","password":"secret1"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, user.ID, decode[userResponse](t, w).ID)

	w = env.do(t, http.MethodPost, "/api/users/login", `{"email":"jane@example.com","password":"nope"}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPut, "/api/users/password", `{"current_password":"secret1","new_password":"secret2","confirm_password":"secret2"}`)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodPut, "/api/users/password", `{"current_password":"secret1","new_password":"`+long+`","confirm_password":"`+long+`"}`, userIDHeader, user.ID)
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = env.do(t, http.MethodPut, "/api/users/password", `{"current_password":"secret1","new_password":"secret2","confirm_password":"secret2"}`, userIDHeader, user.ID)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/api/users/reset-password", `{"email":"jane@example.com"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[map[string]string](t, w)["temporary_password"], 10)
}

func TestSettings(t *testing.T) {
	env := setupTestRouter(t)

	w := env.do(t, http.MethodGet, "/api/settings", "")
	require.Equal(t, http.StatusOK, w.Code)
	s := decode[settingsDTO](t, w)
	require.Equal(t, 5.0, s.DefaultRadiusKm)
	require.True(t, s.AutoLocation)

	w = env.do(t, http.MethodPut, "/api/settings", `{"default_radius_km":3,"auto_location":false}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/settings", `{"default_radius_km":10,"auto_location":false,"notifications":{"new_issues":true}}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 10.0, env.loop.Radius())

	w = env.do(t, http.MethodGet, "/api/settings", "")
	s = decode[settingsDTO](t, w)
	require.Equal(t, 10.0, s.DefaultRadiusKm)
	require.False(t, s.AutoLocation)
	require.True(t, s.Notifications.NewIssues)
	require.False(t, s.Notifications.IssueUpdates)
}

func TestAdmin(t *testing.T) {
	env := setupTestRouter(t)
	env.addUser(t, "admin", true)
	env.addUser(t, "u1", false)

	w := env.do(t, http.MethodGet, "/api/admin/stats", "")
	require.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodGet, "/api/admin/stats", "", userIDHeader, "u1")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/issues", `{"title":"Graffiti","category":"cleanliness","latitude":40.7,"longitude":-74.0}`)
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[issueResponse](t, w).ID

	w = env.do(t, http.MethodGet, "/api/admin/stats", "", userIDHeader, "admin")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[map[string]int](t, w)
	require.Equal(t, 1, stats["total"])
	require.Equal(t, 1, stats["reported"])
	require.Equal(t, 2, stats["users"])

	w = env.do(t, http.MethodPatch, "/api/admin/issues/"+id+"/status", `{"status":"done"}`, userIDHeader, "admin")
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodPatch, "/api/admin/issues/"+id+"/status", `{"status":"in-progress"}`, userIDHeader, "admin")
	require.Equal(t, http.StatusOK, w.Code)
	updated := decode[issueResponse](t, w)
	require.Equal(t, models.StatusInProgress, updated.Status)
	require.Len(t, updated.Timeline, 2)

	w = env.do(t, http.MethodGet, "/api/admin/issues?status=in-progress", "", userIDHeader, "admin")
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 1, decode[map[string]any](t, w)["count"])

	w = env.do(t, http.MethodPost, "/api/admin/users/u1/ban", "", userIDHeader, "admin")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, decode[userResponse](t, w).Banned)

	w = env.do(t, http.MethodPost, "/api/issues", `{"title":"x","category":"roads","latitude":1,"longitude":1}`, userIDHeader, "u1")
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/api/admin/users/admin/ban", "", userIDHeader, "admin")
	require.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodPost, "/api/admin/users/ghost/promote", "", userIDHeader, "admin")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodPost, "/api/admin/users/u1/unban", "", userIDHeader, "admin")
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/api/admin/users/u1/promote", "", userIDHeader, "admin")
	require.True(t, decode[userResponse](t, w).IsAdmin)
	w = env.do(t, http.MethodPost, "/api/admin/users/u1/demote", "", userIDHeader, "admin")
	require.False(t, decode[userResponse](t, w).IsAdmin)

	w = env.do(t, http.MethodGet, "/api/admin/users?q=u1", "", userIDHeader, "admin")
	require.EqualValues(t, 1, decode[map[string]any](t, w)["count"])

	w = env.do(t, http.MethodDelete, "/api/admin/issues/"+id, "", userIDHeader, "admin")
	require.Equal(t, http.StatusNoContent, w.Code)
	w = env.do(t, http.MethodDelete, "/api/admin/issues/"+id, "", userIDHeader, "admin")
	require.Equal(t, http.StatusNotFound, w.Code)
}

// readEvent returns the name and data of the next server-sent event.
func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestStreamFeed(t *testing.T) {
	env := setupTestRouter(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/feed/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := bufio.NewReader(resp.Body)
	name, data := readEvent(t, r)
	require.Equal(t, "feed", name)
	var first feedResponse
	require.NoError(t, json.Unmarshal([]byte(data), &first))
	require.False(t, first.LocationAvailable)

	require.Eventually(t, func() bool { return env.stream.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, env.loop.SetLocation(models.Coordinate{Latitude: 51.5, Longitude: -0.12}))

	name, data = readEvent(t, r)
	require.Equal(t, "feed", name)
	var next feedResponse
	require.NoError(t, json.NewDecoder(bytes.NewReader([]byte(data))).Decode(&next))
	require.True(t, next.LocationAvailable)
	require.Equal(t, "location", next.Trigger)
	require.Equal(t, 51.5, next.Reference.Latitude)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimitMiddleware(1))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	get := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	require.Equal(t, http.StatusOK, get("10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, get("10.0.0.1"))
	require.Equal(t, http.StatusOK, get("10.0.0.2"), "limits are per client")
}
