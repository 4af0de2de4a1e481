package realquestsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Real Quest HTTP API client.
type Client struct {
	BaseURL string
	// Token is sent as a bearer token. Signup and Login set it.
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API prefix,
// e.g. http://localhost:8080/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Stats struct {
	HP     int     `json:"hp"`
	MaxHP  int     `json:"maxHp"`
	XP     int     `json:"xp"`
	Level  int     `json:"level"`
	Coins  float64 `json:"coins"`
	Rubies int     `json:"rubies"`
}

type Task struct {
	ID         string  `json:"id"`
	UserID     string  `json:"userId"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Difficulty int     `json:"difficulty"`
	MalusLevel int     `json:"malusLevel"`
	Deadline   *string `json:"deadline"`
	Streak     int     `json:"streak"`
	CreatedAt  string  `json:"createdAt"`
}

type ShopItem struct {
	ID     string  `json:"id"`
	UserID string  `json:"userId"`
	Name   string  `json:"name"`
	Price  float64 `json:"price"`
}

// User is the full record of a player.
type User struct {
	ID     string              `json:"id"`
	Pseudo string              `json:"pseudo"`
	Infos  map[string]any      `json:"infos"`
	Stats  Stats               `json:"stats"`
	Tasks  map[string]Task     `json:"tasks"`
	Shop   map[string]ShopItem `json:"shop"`
}

type Session struct {
	UserID string `json:"userId"`
	Pseudo string `json:"pseudo"`
	Token  string `json:"token"`
}

type NewTask struct {
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	Difficulty int    `json:"difficulty,omitempty"`
	MalusLevel int    `json:"malusLevel,omitempty"`
	Deadline   string `json:"deadline,omitempty"`
}

type Completion struct {
	Coins      float64 `json:"coins"`
	XP         int     `json:"xp"`
	Ruby       bool    `json:"ruby"`
	LevelUp    bool    `json:"levelUp"`
	Streak     int     `json:"streak"`
	Multiplier float64 `json:"multiplier"`
	Stats      Stats   `json:"stats"`
}

type Failure struct {
	Message    string `json:"message"`
	Damage     int    `json:"damage"`
	Died       bool   `json:"died"`
	LevelsLost int    `json:"levelsLost"`
	Stats      Stats  `json:"stats"`
}

// Purchase describes a buy call. Set ItemID to buy a stored item, ItemName
// and Price for an ad-hoc one, or IsPotion for a potion.
type Purchase struct {
	UserID   string   `json:"userId"`
	ItemID   string   `json:"itemId,omitempty"`
	ItemName string   `json:"itemName,omitempty"`
	Price    *float64 `json:"price,omitempty"`
	IsPotion bool     `json:"isPotion,omitempty"`
}

type Receipt struct {
	Message string  `json:"message"`
	Item    string  `json:"item"`
	Price   float64 `json:"price"`
	Coins   float64 `json:"coins"`
	HP      int     `json:"hp"`
	Stats   Stats   `json:"stats"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	UserID     string         `json:"userId"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Signup creates an account and keeps its token.
func (c *Client) Signup(ctx context.Context, pseudo, password string, infos map[string]any) (Session, error) {
	body := map[string]any{"pseudo": pseudo, "password": password}
	if infos != nil {
		body["infos"] = infos
	}
	return c.session(ctx, "signup", body)
}

// Login authenticates and keeps the returned token.
func (c *Client) Login(ctx context.Context, pseudo, password string) (Session, error) {
	return c.session(ctx, "login", map[string]any{"pseudo": pseudo, "password": password})
}

func (c *Client) session(ctx context.Context, endpoint string, body any) (Session, error) {
	var resp Session
	if err := c.do(ctx, http.MethodPost, endpoint, body, &resp); err != nil {
		return Session{}, err
	}
	if resp.Token != "" {
		c.Token = resp.Token
	}
	return resp, nil
}

func (c *Client) User(ctx context.Context, userID string) (User, error) {
	var resp struct {
		User User `json:"user"`
	}
	err := c.do(ctx, http.MethodGet, "user/"+url.PathEscape(userID), nil, &resp)
	return resp.User, err
}

func (c *Client) CreateTask(ctx context.Context, task NewTask) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, "create-task", task, &resp)
	return resp.Task, err
}

func (c *Client) CompleteTask(ctx context.Context, userID, taskID string) (Completion, error) {
	var resp Completion
	err := c.do(ctx, http.MethodPost, "complete-task", map[string]any{"userId": userID, "taskId": taskID}, &resp)
	return resp, err
}

func (c *Client) FailTask(ctx context.Context, userID, taskID string) (Failure, error) {
	var resp Failure
	err := c.do(ctx, http.MethodPost, "fail-task", map[string]any{"userId": userID, "taskId": taskID}, &resp)
	return resp, err
}

func (c *Client) CreateShopItem(ctx context.Context, userID, name string, price float64) (ShopItem, error) {
	var resp struct {
		Item ShopItem `json:"item"`
	}
	err := c.do(ctx, http.MethodPost, "create-shop-item", map[string]any{"userId": userID, "name": name, "price": price}, &resp)
	return resp.Item, err
}

func (c *Client) Buy(ctx context.Context, p Purchase) (Receipt, error) {
	var resp Receipt
	err := c.do(ctx, http.MethodPost, "buy", p, &resp)
	return resp, err
}

// Events returns the most recent events of a user, newest first.
func (c *Client) Events(ctx context.Context, userID string, limit int) ([]Event, error) {
	endpoint := "user/" + url.PathEscape(userID) + "/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Code
			apiErr.Message = env.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
