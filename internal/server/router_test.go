package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/flashdeck/internal/auth"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/cloudstore"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/flashcards"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/remote"
	"github.com/MarcoPoloResearchLab/flashdeck/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testAPI struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
}

func newTestAPI(t *testing.T) testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(append(cloudstore.Models(), &users.Identity{})...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	backend, err := cloudstore.NewService(cloudstore.ServiceConfig{Database: db, IDProvider: flashcards.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("cloudstore service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("users service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "flashdeck-auth",
		Audience:      "flashdeck-api",
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            issuer,
		Users:             userService,
		Backend:           backend,
		HeartbeatInterval: 20 * time.Millisecond,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return testAPI{server: server, issuer: issuer}
}

func (api testAPI) client(t *testing.T, provider, subject string) *remote.HTTPClient {
	t.Helper()
	token, _, err := api.issuer.Issue(auth.Principal{Provider: provider, Subject: subject})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	client, err := remote.NewHTTPClient(remote.HTTPClientConfig{BaseURL: api.server.URL, AccessToken: token})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAPIRoundTripsRowsThroughHTTPClient(t *testing.T) {
	api := newTestAPI(t)
	client := api.client(t, "google", "12345")
	ctx := context.Background()
	base := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	conflicts, err := client.UpsertDecks(ctx, "", []remote.DeckRow{
		{ID: "deck-1", Name: "Verbs", CreatedAt: base, UpdatedAt: base},
	})
	if err != nil {
		t.Fatalf("upsert decks: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", conflicts)
	}
	_, err = client.UpsertCards(ctx, "", []remote.CardRow{
		{ID: "card-1", DeckID: "deck-1", Front: "ser", Back: "to be", EaseFactor: 2.5, NextReview: base, CreatedAt: base, UpdatedAt: base.Add(time.Second)},
		{ID: "card-2", DeckID: "deck-1", Front: "ir", Back: "to go", EaseFactor: 2.5, NextReview: base, CreatedAt: base, UpdatedAt: base.Add(2 * time.Second)},
	})
	if err != nil {
		t.Fatalf("upsert cards: %v", err)
	}

	stale, err := client.UpsertDecks(ctx, "", []remote.DeckRow{
		{ID: "deck-1", Name: "Old name", CreatedAt: base, UpdatedAt: base.Add(-time.Hour)},
	})
	if err != nil {
		t.Fatalf("stale upsert: %v", err)
	}
	if len(stale) != 1 || stale[0].Name != "Verbs" {
		t.Fatalf("expected the stored winner as conflict, got %+v", stale)
	}

	page, err := client.PullCards(ctx, "", base, 1)
	if err != nil {
		t.Fatalf("pull cards: %v", err)
	}
	if len(page) != 1 || page[0].ID != "card-1" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, err = client.PullCards(ctx, "", page[0].UpdatedAt, 10)
	if err != nil {
		t.Fatalf("pull cards: %v", err)
	}
	if len(page) != 1 || page[0].ID != "card-2" {
		t.Fatalf("unexpected second page: %+v", page)
	}

	listed, err := client.ListCards(ctx, "", "deck-1")
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 cards in deck, got %d", len(listed))
	}

	if err := client.DeleteDecks(ctx, "", []string{"deck-1"}); err != nil {
		t.Fatalf("delete decks: %v", err)
	}
	decks, err := client.ListDecks(ctx, "")
	if err != nil {
		t.Fatalf("list decks: %v", err)
	}
	if decks == nil || len(decks) != 0 {
		t.Fatalf("expected an empty deck list, got %#v", decks)
	}
	listed, err = client.ListCards(ctx, "", "deck-1")
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	if len(listed) != 0 {
		t.Fatalf("expected deck delete to cascade, got %+v", listed)
	}
}

func TestAPIStatsLifecycle(t *testing.T) {
	api := newTestAPI(t)
	client := api.client(t, "google", "stats-user")
	ctx := context.Background()

	if _, found, err := client.GetStats(ctx, ""); err != nil || found {
		t.Fatalf("expected no stats yet, found=%v err=%v", found, err)
	}

	studied := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)
	merged, err := client.PutStats(ctx, "", remote.StatsRow{CurrentStreak: 3, LongestStreak: 5, LastStudyDate: &studied, UpdatedAt: studied})
	if err != nil {
		t.Fatalf("put stats: %v", err)
	}
	if merged.CurrentStreak != 3 || merged.LongestStreak != 5 {
		t.Fatalf("unexpected merged stats: %+v", merged)
	}

	stored, found, err := client.GetStats(ctx, "")
	if err != nil || !found {
		t.Fatalf("expected stored stats, found=%v err=%v", found, err)
	}
	if stored.UserID != "stats-user" {
		t.Fatalf("expected canonical user id, got %q", stored.UserID)
	}
}

func TestAPIIsolatesUsers(t *testing.T) {
	api := newTestAPI(t)
	owner := api.client(t, "google", "owner")
	stranger := api.client(t, "github", "stranger")
	ctx := context.Background()
	now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)

	if _, err := owner.UpsertDecks(ctx, "", []remote.DeckRow{{ID: "private", Name: "Mine", CreatedAt: now, UpdatedAt: now}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	rows, err := stranger.PullDecks(ctx, "", time.Time{}, 0)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("another user's decks leaked: %+v", rows)
	}
}

func TestAPIRejectsBadRequests(t *testing.T) {
	api := newTestAPI(t)
	token, _, err := api.issuer.Issue(auth.Principal{Subject: "user-1"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	testCases := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		status int
		error  string
	}{
		{name: "missing token", method: http.MethodGet, path: "/v1/decks", status: http.StatusUnauthorized},
		{name: "foreign token", method: http.MethodGet, path: "/v1/decks", token: "not-a-jwt", status: http.StatusUnauthorized, error: "unauthorized"},
		{name: "bad since", method: http.MethodGet, path: "/v1/decks?since=yesterday", token: token, status: http.StatusBadRequest, error: "invalid_since"},
		{name: "bad limit", method: http.MethodGet, path: "/v1/cards?limit=-1", token: token, status: http.StatusBadRequest, error: "invalid_limit"},
		{name: "malformed body", method: http.MethodPost, path: "/v1/decks", body: "{", token: token, status: http.StatusBadRequest, error: "invalid_payload"},
		{name: "invalid row", method: http.MethodPost, path: "/v1/decks", body: `{"rows":[{"id":"d","name":""}]}`, token: token, status: http.StatusBadRequest, error: "invalid_row"},
		{name: "empty deck filter", method: http.MethodGet, path: "/v1/cards?deck_id=", token: token, status: http.StatusBadRequest, error: "invalid_deck_id"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request, err := http.NewRequest(testCase.method, api.server.URL+testCase.path, bytes.NewBufferString(testCase.body))
			if err != nil {
				t.Fatalf("build request: %v", err)
			}
			if testCase.token != "" {
				request.Header.Set("Authorization", "Bearer "+testCase.token)
			}
			request.Header.Set("Content-Type", "application/json")
			response, err := http.DefaultClient.Do(request)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer response.Body.Close()
			if response.StatusCode != testCase.status {
				t.Fatalf("expected status %d, got %d", testCase.status, response.StatusCode)
			}
			if testCase.error == "" {
				return
			}
			var payload struct {
				Error string `json:"error"`
			}
			if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
				t.Fatalf("decode error payload: %v", err)
			}
			if payload.Error != testCase.error {
				t.Fatalf("expected error %q, got %q", testCase.error, payload.Error)
			}
		})
	}
}

func TestAPIStreamsChangesToOtherDevices(t *testing.T) {
	api := newTestAPI(t)
	writer := api.client(t, "google", "streamer")
	listener := api.client(t, "google", "streamer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	changes, err := listener.Changes(ctx, "")
	if err != nil {
		t.Fatalf("open change stream: %v", err)
	}

	now := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	deadline := time.After(5 * time.Second)
	for {
		if _, err := writer.UpsertDecks(context.Background(), "", []remote.DeckRow{{ID: "deck-live", Name: "Live", CreatedAt: now, UpdatedAt: now}}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		now = now.Add(time.Second)
		select {
		case change, ok := <-changes:
			if !ok {
				t.Fatalf("change stream closed early")
			}
			if change.Collection != remote.CollectionDecks || len(change.IDs) != 1 || change.IDs[0] != "deck-live" {
				t.Fatalf("unexpected change: %+v", change)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for change notification")
		}
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	_, err := NewHTTPHandler(Dependencies{Users: stubUserResolver{}, Backend: &cloudstore.Service{}})
	if !errors.Is(err, errMissingTokenValidator) {
		t.Fatalf("expected errMissingTokenValidator, got %v", err)
	}
	_, err = NewHTTPHandler(Dependencies{Tokens: stubTokenValidator{}, Backend: &cloudstore.Service{}})
	if !errors.Is(err, errMissingUserResolver) {
		t.Fatalf("expected errMissingUserResolver, got %v", err)
	}
	_, err = NewHTTPHandler(Dependencies{Tokens: stubTokenValidator{}, Users: stubUserResolver{}})
	if !errors.Is(err, errMissingBackend) {
		t.Fatalf("expected errMissingBackend, got %v", err)
	}
}
