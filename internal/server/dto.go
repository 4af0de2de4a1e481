package server

import (
	"encoding/json"

	"realquest/internal/domain"
)

// Request payloads

type SignupRequest struct {
	Pseudo   string         `json:"pseudo"`
	Password string         `json:"password"`
	Infos    map[string]any `json:"infos,omitempty"`
}

type LoginRequest struct {
	Pseudo   string `json:"pseudo"`
	Password string `json:"password"`
}

type CreateTaskRequest struct {
	UserID     string `json:"userId"`
	Name       string `json:"name"`
	Type       string `json:"type,omitempty" example:"journaliere"`
	Difficulty int    `json:"difficulty,omitempty" example:"3"`
	MalusLevel int    `json:"malusLevel,omitempty" example:"2"`
	Deadline   string `json:"deadline,omitempty" example:"2024-03-09"`
}

type ResolveTaskRequest struct {
	UserID string `json:"userId"`
	TaskID string `json:"taskId"`
}

type CreateShopItemRequest struct {
	UserID string  `json:"userId"`
	Name   string  `json:"name"`
	Price  float64 `json:"price" minimum:"0"`
}

type BuyRequest struct {
	UserID   string   `json:"userId"`
	ItemID   string   `json:"itemId,omitempty"`
	ItemName string   `json:"itemName,omitempty"`
	Price    *float64 `json:"price,omitempty"`
	IsPotion bool     `json:"isPotion,omitempty"`
}

// Response payloads

type SessionResponse struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
	Pseudo  string `json:"pseudo"`
	Token   string `json:"token,omitempty"`
}

type UserResponse struct {
	Success bool        `json:"success"`
	User    domain.User `json:"user"`
}

type CreateTaskResponse struct {
	Success bool        `json:"success"`
	TaskID  string      `json:"taskId"`
	Task    domain.Task `json:"task"`
}

type CompleteTaskResponse struct {
	Success    bool         `json:"success"`
	Coins      float64      `json:"coins"`
	XP         int          `json:"xp"`
	Ruby       bool         `json:"ruby"`
	LevelUp    bool         `json:"levelUp"`
	Streak     int          `json:"streak"`
	Multiplier float64      `json:"multiplier"`
	Stats      domain.Stats `json:"stats"`
}

type FailTaskResponse struct {
	Success    bool         `json:"success"`
	Message    string       `json:"message"`
	Damage     int          `json:"damage"`
	Died       bool         `json:"died"`
	LevelsLost int          `json:"levelsLost"`
	Stats      domain.Stats `json:"stats"`
}

type CreateShopItemResponse struct {
	Success bool            `json:"success"`
	ItemID  string          `json:"itemId"`
	Item    domain.ShopItem `json:"item"`
	Message string          `json:"message"`
}

type BuyResponse struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Item    string       `json:"item"`
	Price   float64      `json:"price"`
	Coins   float64      `json:"coins"`
	HP      int          `json:"hp"`
	Stats   domain.Stats `json:"stats"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	UserID     string         `json:"userId"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type EventsResponse struct {
	Success bool            `json:"success"`
	Events  []EventResponse `json:"events"`
}

type HealthResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

func eventResponse(e domain.Event) EventResponse {
	resp := EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		UserID:     e.UserID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
	}
	if e.Payload != "" {
		var payload map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &payload); err == nil {
			resp.Payload = payload
		}
	}
	return resp
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}
