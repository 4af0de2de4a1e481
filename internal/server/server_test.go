package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"testing"
	"time"

	"realquest/internal/config"
	"realquest/internal/db"
	"realquest/internal/domain"
	"realquest/internal/engine"
	"realquest/internal/engine/auth"
	"realquest/internal/migrate"
	"realquest/internal/progression"
	"realquest/internal/repo"
)

type testServer struct {
	URL    string
	Repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, requireAuth bool) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	quiet := log.New(io.Discard, "", 0)
	e := engine.New(conn, config.Default(), progression.NewSequence(0.5, 0.99))
	e.Logger = quiet
	e.Auth = auth.Service{Secret: "test-secret", TTL: time.Hour}
	handler, err := New(Config{Engine: e, Auth: AuthConfig{Require: requireAuth}, Logger: quiet})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Repo:   repo.Repo{DB: conn},
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
}

func signup(t *testing.T, srv *testServer, pseudo string) SessionResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/signup", map[string]any{
		"pseudo":   pseudo,
		"password": "excalibur",
		"infos":    map[string]any{"city": "Camelot"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("signup status %d: %s", res.StatusCode, string(data))
	}
	var sess SessionResponse
	decode(t, data, &sess)
	if !sess.Success || sess.UserID == "" || sess.Token == "" {
		t.Fatalf("unexpected session %s", string(data))
	}
	return sess
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestQuestLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	sess := signup(t, srv, "arthur")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/signup", map[string]any{"pseudo": "arthur", "password": "x"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate pseudo, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/login", map[string]any{"pseudo": "arthur", "password": "wrong"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/login", map[string]any{"pseudo": "arthur", "password": "excalibur"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/create-task", map[string]any{
		"userId": sess.UserID, "name": "Train", "type": "quete", "difficulty": 4, "malusLevel": 2,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created CreateTaskResponse
	decode(t, data, &created)
	if created.TaskID == "" || created.Task.Deadline != nil {
		t.Fatalf("unexpected created task %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/complete-task", map[string]any{"userId": sess.UserID, "taskId": created.TaskID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var done CompleteTaskResponse
	decode(t, data, &done)
	if !done.Success || done.Coins != 6.5 || done.XP != 4 || done.Ruby || done.Stats.Coins != 6.5 {
		t.Fatalf("unexpected completion %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/complete-task", map[string]any{"userId": sess.UserID, "taskId": created.TaskID}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second completion, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr apiError
	decode(t, data, &apiErr)
	if apiErr.Success || apiErr.Code != "not_found" {
		t.Fatalf("unexpected error envelope %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/user/"+sess.UserID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get user status %d: %s", res.StatusCode, string(data))
	}
	var user UserResponse
	decode(t, data, &user)
	if user.User.Stats.Coins != 6.5 || len(user.User.Tasks) != 0 || user.User.Infos["city"] != "Camelot" {
		t.Fatalf("unexpected user %s", string(data))
	}
	if bytes.Contains(data, []byte("excalibur")) || bytes.Contains(data, []byte("passwordHash")) {
		t.Fatalf("password hash leaked: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/user/"+sess.UserID+"/events?limit=2", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts EventsResponse
	decode(t, data, &evts)
	if len(evts.Events) != 2 || evts.Events[0].Type != "task.completed" || evts.Events[0].Payload["coins"] != 6.5 {
		t.Fatalf("unexpected events %s", string(data))
	}
}

func TestFailAndDeath(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	sess := signup(t, srv, "gawain")
	if err := srv.Repo.SaveStats(context.Background(), sess.UserID, domain.Stats{HP: 40, MaxHP: 100, Level: 3, Coins: 12}); err != nil {
		t.Fatal(err)
	}

	createTask := func(malus int) string {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/create-task", map[string]any{
			"userId": sess.UserID, "name": "Joust", "difficulty": 1, "malusLevel": malus, "deadline": "2030-01-01",
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
		}
		var created CreateTaskResponse
		decode(t, data, &created)
		return created.TaskID
	}

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/fail-task", map[string]any{"userId": sess.UserID, "taskId": createTask(3)}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fail status %d: %s", res.StatusCode, string(data))
	}
	var failed FailTaskResponse
	decode(t, data, &failed)
	if failed.Damage != 5 || failed.Died || failed.Message != "You lost 5 HP." || failed.Stats.HP != 35 {
		t.Fatalf("unexpected failure %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/fail-task", map[string]any{"userId": sess.UserID, "taskId": createTask(6)}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fail status %d: %s", res.StatusCode, string(data))
	}
	decode(t, data, &failed)
	if !failed.Died || failed.Message != "You died! You lost all your coins and 2 levels." || failed.Stats.HP != 100 || failed.Stats.Coins != 0 || failed.Stats.Level != 1 {
		t.Fatalf("unexpected death %s", string(data))
	}
}

func TestShopAndPotion(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	client := srv.Client()
	sess := signup(t, srv, "percival")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/buy", map[string]any{"userId": sess.UserID, "isPotion": true}, nil)
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402 without coins, got %d: %s", res.StatusCode, string(data))
	}
	if err := srv.Repo.SaveStats(context.Background(), sess.UserID, domain.Stats{HP: 60, MaxHP: 100, Level: 1, Coins: 200}); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/buy", map[string]any{"userId": sess.UserID, "isPotion": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("buy potion status %d: %s", res.StatusCode, string(data))
	}
	var bought BuyResponse
	decode(t, data, &bought)
	if bought.Coins != 50 || bought.HP != 100 || bought.Price != 150 {
		t.Fatalf("unexpected potion purchase %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/create-shop-item", map[string]any{"userId": sess.UserID, "name": "Cinema", "price": 30}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var item CreateShopItemResponse
	decode(t, data, &item)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/buy", map[string]any{"userId": sess.UserID, "itemId": item.ItemID, "price": 1}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("buy item status %d: %s", res.StatusCode, string(data))
	}
	decode(t, data, &bought)
	if bought.Coins != 20 || bought.Item != "Cinema" {
		t.Fatalf("unexpected item purchase %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/create-task", map[string]any{"userId": sess.UserID, "name": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty name, got %d: %s", res.StatusCode, string(data))
	}
}

func TestTokenScopesUser(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()
	client := srv.Client()
	a := signup(t, srv, "tristan")
	b := signup(t, srv, "isolde")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/user/"+a.UserID, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/user/"+a.UserID, nil, bearer("garbage"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/user/"+a.UserID, nil, bearer(a.Token))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected own record, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/create-task", map[string]any{"userId": a.UserID, "name": "Spy"}, bearer(b.Token))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 acting on another user, got %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay public, got %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIAndDocs(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	var oas map[string]any
	decode(t, data, &oas)
	paths, _ := oas["paths"].(map[string]any)
	for _, p := range []string{"/api/signup", "/api/complete-task", "/api/fail-task", "/api/buy", "/api/user/{id}"} {
		if _, ok := paths[p]; !ok {
			t.Fatalf("openapi missing %s", p)
		}
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("docs status %d", res.StatusCode)
	}
}
