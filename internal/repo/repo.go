package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"realquest/internal/config"
	"realquest/internal/domain"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo runs queries against a database or, bound to a *sql.Tx, inside one transaction.
type Repo struct {
	DB DBTX
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

const userColumns = `id,pseudo,password_hash,COALESCE(infos_json,''),hp,max_hp,xp,level,coins,rubies,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (domain.User, error) {
	var u domain.User
	var infos string
	err := row.Scan(&u.ID, &u.Pseudo, &u.PasswordHash, &infos,
		&u.Stats.HP, &u.Stats.MaxHP, &u.Stats.XP, &u.Stats.Level, &u.Stats.Coins, &u.Stats.Rubies, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if infos != "" {
		if err := json.Unmarshal([]byte(infos), &u.Infos); err != nil {
			return u, fmt.Errorf("decode infos of user %s: %w", u.ID, err)
		}
	}
	return u, nil
}

// InsertUser stores a new user and returns it with its generated id.
func (r Repo) InsertUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt == "" {
		u.CreatedAt = now()
	}
	var infos any
	if len(u.Infos) > 0 {
		data, err := json.Marshal(u.Infos)
		if err != nil {
			return u, fmt.Errorf("encode infos: %w", err)
		}
		infos = string(data)
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,pseudo,password_hash,infos_json,hp,max_hp,xp,level,coins,rubies,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Pseudo, u.PasswordHash, infos, u.Stats.HP, u.Stats.MaxHP, u.Stats.XP, u.Stats.Level, u.Stats.Coins, u.Stats.Rubies, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return u, fmt.Errorf("pseudo %q: %w", u.Pseudo, ErrConflict)
		}
		return u, err
	}
	return u, nil
}

// GetUser returns the user without its tasks and shop.
func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) FindUserByPseudo(ctx context.Context, pseudo string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE pseudo=?`, pseudo))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

// SaveStats overwrites the stats of a user.
func (r Repo) SaveStats(ctx context.Context, userID string, s domain.Stats) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET hp=?, max_hp=?, xp=?, level=?, coins=?, rubies=? WHERE id=?`,
		s.HP, s.MaxHP, s.XP, s.Level, s.Coins, s.Rubies, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,user_id,name,type,difficulty,malus_level,deadline,streak,created_at`

func scanTask(row scanner) (domain.Task, error) {
	var t domain.Task
	var deadline sql.NullString
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &t.Type, &t.Difficulty, &t.MalusLevel, &deadline, &t.Streak, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if deadline.Valid {
		t.Deadline = &deadline.String
	}
	return t, err
}

// AddTask stores an open task and returns it with its generated id.
func (r Repo) AddTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt == "" {
		t.CreatedAt = now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.UserID, t.Name, t.Type, t.Difficulty, t.MalusLevel, nullableStringPtr(t.Deadline), t.Streak, t.CreatedAt)
	return t, err
}

func (r Repo) GetTask(ctx context.Context, userID, taskID string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id=? AND id=?`, userID, taskID))
}

// RemoveTask deletes an open task. ErrNotFound means the task was already
// resolved, so callers must apply no outcome.
func (r Repo) RemoveTask(ctx context.Context, userID, taskID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE user_id=? AND id=?`, userID, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type TaskFilters struct {
	UserID string
	// DeadlineBefore keeps tasks whose deadline date sorts strictly before it.
	DeadlineBefore string
	Limit          int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.DeadlineBefore != "" {
		clauses = append(clauses, "deadline IS NOT NULL AND deadline<?")
		args = append(args, f.DeadlineBefore)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListDeadlineOwners returns the ids of users holding at least one task due
// strictly before the given YYYY-MM-DD date.
func (r Repo) ListDeadlineOwners(ctx context.Context, before string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT user_id FROM tasks WHERE deadline IS NOT NULL AND deadline<? ORDER BY user_id`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func (r Repo) AddShopItem(ctx context.Context, it domain.ShopItem) (domain.ShopItem, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.CreatedAt == "" {
		it.CreatedAt = now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO shop_items(id,user_id,name,price,created_at) VALUES (?,?,?,?,?)`,
		it.ID, it.UserID, it.Name, it.Price, it.CreatedAt)
	return it, err
}

func (r Repo) GetShopItem(ctx context.Context, userID, itemID string) (domain.ShopItem, error) {
	var it domain.ShopItem
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,name,price,created_at FROM shop_items WHERE user_id=? AND id=?`, userID, itemID).
		Scan(&it.ID, &it.UserID, &it.Name, &it.Price, &it.CreatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) ListShopItems(ctx context.Context, userID string) ([]domain.ShopItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,name,price,created_at FROM shop_items WHERE user_id=? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ShopItem
	for rows.Next() {
		var it domain.ShopItem
		if err := rows.Scan(&it.ID, &it.UserID, &it.Name, &it.Price, &it.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,user_id,entity_kind,entity_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserID, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events first, optionally scoped to a user and type.
func (r Repo) LatestEvents(ctx context.Context, limit int, userID, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// UpsertGameConfig stores the rules used when the workspace has no config file.
func (r Repo) UpsertGameConfig(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	ts := now()
	_, err = r.DB.ExecContext(ctx, `INSERT INTO game_config(id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), ts, ts)
	return err
}

func (r Repo) GetGameConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM game_config WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg := config.Default()
	if err := json.Unmarshal([]byte(payload), cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
