package domain

// Stats is the numeric progression state of a user.
type Stats struct {
	HP     int     `json:"hp"`
	MaxHP  int     `json:"maxHp"`
	XP     int     `json:"xp"`
	Level  int     `json:"level"`
	Coins  float64 `json:"coins"`
	Rubies int     `json:"rubies"`
}

type User struct {
	ID           string              `json:"id"`
	Pseudo       string              `json:"pseudo"`
	PasswordHash string              `json:"-"`
	Infos        map[string]any      `json:"infos,omitempty"`
	Stats        Stats               `json:"stats"`
	Tasks        map[string]Task     `json:"tasks"`
	Shop         map[string]ShopItem `json:"shop"`
	CreatedAt    string              `json:"createdAt" format:"date-time"`
}

// Task is an open quest. Resolved tasks are deleted, never archived.
type Task struct {
	ID         string  `json:"id"`
	UserID     string  `json:"userId"`
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Difficulty int     `json:"difficulty"`
	MalusLevel int     `json:"malusLevel"`
	Deadline   *string `json:"deadline" format:"date"`
	Streak     int     `json:"streak"`
	CreatedAt  string  `json:"createdAt" format:"date-time"`
}

type ShopItem struct {
	ID        string  `json:"id"`
	UserID    string  `json:"userId"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	CreatedAt string  `json:"createdAt" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	EntityKind string `json:"entityKind"`
	EntityID   string `json:"entityId,omitempty"`
	Payload    string `json:"payloadJson"`
}
