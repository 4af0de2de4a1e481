package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"realquest/internal/config"
	"realquest/internal/domain"
	"realquest/internal/engine/auth"
	"realquest/internal/events"
	"realquest/internal/progression"
	"realquest/internal/repo"
)

// Store is the storage the lifecycle manager depends on. repo.Repo implements it.
type Store interface {
	InsertUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
	FindUserByPseudo(ctx context.Context, pseudo string) (domain.User, error)
	SaveStats(ctx context.Context, userID string, s domain.Stats) error
	AddTask(ctx context.Context, t domain.Task) (domain.Task, error)
	GetTask(ctx context.Context, userID, taskID string) (domain.Task, error)
	RemoveTask(ctx context.Context, userID, taskID string) error
	ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error)
	ListDeadlineOwners(ctx context.Context, before string) ([]string, error)
	AddShopItem(ctx context.Context, it domain.ShopItem) (domain.ShopItem, error)
	GetShopItem(ctx context.Context, userID, itemID string) (domain.ShopItem, error)
	ListShopItems(ctx context.Context, userID string) ([]domain.ShopItem, error)
	LatestEvents(ctx context.Context, limit int, userID, evtType string) ([]domain.Event, error)
}

// EventSink records outcome events. events.Writer implements it.
type EventSink interface {
	Append(ctx context.Context, exec events.Execer, evtType, userID, entityKind, entityID string, payload events.EventPayload) error
}

type Engine struct {
	// DB, when set, runs task resolutions in one transaction over a
	// repo.Repo bound to it. Other calls go through Store.
	DB          *sql.DB
	Store       Store
	Events      EventSink
	Progression progression.Engine
	Auth        auth.Service
	Config      *config.Config
	Now         func() time.Time
	Logger      *log.Logger
}

func New(db *sql.DB, cfg *config.Config, src progression.Source) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:          db,
		Store:       repo.Repo{DB: db},
		Events:      events.Writer{DB: db},
		Progression: progression.New(cfg.GameRules(), src),
		Config:      cfg,
		Now:         time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) timeout() time.Duration {
	if d := e.config().Storage.Timeout; d > 0 {
		return d
	}
	return 5 * time.Second
}

// Today returns the current calendar date in the configured sweep time zone.
func (e Engine) Today() string {
	return e.now().In(e.config().Location()).Format(time.DateOnly)
}

// call runs one storage operation under the storage timeout.
func call[T any](ctx context.Context, e Engine, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()
	v, err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		return v, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return v, err
}

func exec(ctx context.Context, e Engine, fn func(context.Context) error) error {
	_, err := call(ctx, e, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// record appends an event through ex, or through the event sink's own
// database when ex is nil. Failures are only logged.
func (e Engine) record(ctx context.Context, ex events.Execer, evtType, userID, entityKind, entityID string, payload events.EventPayload) {
	if e.Events == nil {
		return
	}
	err := exec(ctx, e, func(ctx context.Context) error {
		return e.Events.Append(ctx, ex, evtType, userID, entityKind, entityID, payload)
	})
	if err != nil {
		e.logger().Printf("engine: append %s for user %s: %v", evtType, userID, err)
	}
}

// atomically runs fn in one transaction over DB, handing it a Store bound to
// the transaction. Without a DB, fn runs directly against Store.
func (e Engine) atomically(ctx context.Context, fn func(ctx context.Context, s Store, ex events.Execer) error) error {
	return exec(ctx, e, func(ctx context.Context) error {
		if e.DB == nil {
			return fn(ctx, e.Store, nil)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if err := fn(ctx, repo.Repo{DB: tx}, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

func (e Engine) getUser(ctx context.Context, s Store, userID string) (domain.User, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.User{}, ValidationError{Field: "userId", Reason: "is required"}
	}
	u, err := call(ctx, e, func(ctx context.Context) (domain.User, error) { return s.GetUser(ctx, userID) })
	if err != nil {
		return u, fmt.Errorf("user %s: %w", userID, err)
	}
	return u, nil
}

func (e Engine) getTask(ctx context.Context, s Store, userID, taskID string) (domain.Task, error) {
	if strings.TrimSpace(taskID) == "" {
		return domain.Task{}, ValidationError{Field: "taskId", Reason: "is required"}
	}
	t, err := call(ctx, e, func(ctx context.Context) (domain.Task, error) { return s.GetTask(ctx, userID, taskID) })
	if err != nil {
		return t, fmt.Errorf("task %s: %w", taskID, err)
	}
	return t, nil
}

// claim removes the task from the open set. Only the caller that removes it
// may apply an outcome.
func (e Engine) claim(ctx context.Context, s Store, userID, taskID string) error {
	if err := exec(ctx, e, func(ctx context.Context) error { return s.RemoveTask(ctx, userID, taskID) }); err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}
	return nil
}

func (e Engine) saveStats(ctx context.Context, s Store, userID string, stats domain.Stats) error {
	if err := exec(ctx, e, func(ctx context.Context) error { return s.SaveStats(ctx, userID, stats) }); err != nil {
		return fmt.Errorf("save stats of user %s: %w", userID, err)
	}
	return nil
}

// Session identifies a signed-in user.
type Session struct {
	UserID string
	Pseudo string
	Token  string
}

type SignupOptions struct {
	Pseudo   string
	Password string
	Infos    map[string]any
}

func (e Engine) Signup(ctx context.Context, opts SignupOptions) (Session, error) {
	pseudo := strings.TrimSpace(opts.Pseudo)
	if pseudo == "" {
		return Session{}, ValidationError{Field: "pseudo", Reason: "is required"}
	}
	if opts.Password == "" {
		return Session{}, ValidationError{Field: "password", Reason: "is required"}
	}
	_, err := call(ctx, e, func(ctx context.Context) (domain.User, error) { return e.Store.FindUserByPseudo(ctx, pseudo) })
	switch {
	case err == nil:
		return Session{}, ErrPseudoTaken
	case !errors.Is(err, repo.ErrNotFound):
		return Session{}, err
	}
	hash, err := auth.HashPassword(opts.Password)
	if err != nil {
		return Session{}, err
	}
	start := e.config().Start
	u, err := call(ctx, e, func(ctx context.Context) (domain.User, error) {
		return e.Store.InsertUser(ctx, domain.User{
			Pseudo:       pseudo,
			PasswordHash: hash,
			Infos:        opts.Infos,
			Stats:        domain.Stats{HP: start.HP, MaxHP: start.MaxHP, XP: 0, Level: 1},
			CreatedAt:    e.now().UTC().Format(time.RFC3339),
		})
	})
	if errors.Is(err, repo.ErrConflict) {
		return Session{}, ErrPseudoTaken
	}
	if err != nil {
		return Session{}, err
	}
	e.record(ctx, nil, events.UserSignedUp, u.ID, "user", u.ID, events.EventPayload{"pseudo": u.Pseudo})
	return e.session(u)
}

func (e Engine) Login(ctx context.Context, pseudo, password string) (Session, error) {
	u, err := call(ctx, e, func(ctx context.Context) (domain.User, error) {
		return e.Store.FindUserByPseudo(ctx, strings.TrimSpace(pseudo))
	})
	if errors.Is(err, repo.ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		return Session{}, ErrInvalidCredentials
	}
	return e.session(u)
}

func (e Engine) session(u domain.User) (Session, error) {
	token, err := e.Auth.IssueToken(u.ID, u.Pseudo)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: u.ID, Pseudo: u.Pseudo, Token: token}, nil
}

// User returns the full record of a user, open tasks and shop included.
func (e Engine) User(ctx context.Context, userID string) (domain.User, error) {
	u, err := e.getUser(ctx, e.Store, userID)
	if err != nil {
		return u, err
	}
	tasks, err := call(ctx, e, func(ctx context.Context) ([]domain.Task, error) {
		return e.Store.ListTasks(ctx, repo.TaskFilters{UserID: userID})
	})
	if err != nil {
		return u, err
	}
	items, err := call(ctx, e, func(ctx context.Context) ([]domain.ShopItem, error) { return e.Store.ListShopItems(ctx, userID) })
	if err != nil {
		return u, err
	}
	u.Tasks = make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		u.Tasks[t.ID] = t
	}
	u.Shop = make(map[string]domain.ShopItem, len(items))
	for _, it := range items {
		u.Shop[it.ID] = it
	}
	return u, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	UserID     string
	Name       string
	Type       string
	Difficulty int
	MalusLevel int
	Deadline   string
}

const defaultTaskType = "quete"

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Task{}, ValidationError{Field: "name", Reason: "is required"}
	}
	deadline, err := NormalizeDeadline(opts.Deadline)
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := e.getUser(ctx, e.Store, opts.UserID); err != nil {
		return domain.Task{}, err
	}
	typ := strings.TrimSpace(opts.Type)
	if typ == "" {
		typ = defaultTaskType
	}
	t, err := call(ctx, e, func(ctx context.Context) (domain.Task, error) {
		return e.Store.AddTask(ctx, domain.Task{
			UserID:     opts.UserID,
			Name:       name,
			Type:       typ,
			Difficulty: opts.Difficulty,
			MalusLevel: opts.MalusLevel,
			Deadline:   deadline,
			Streak:     0,
			CreatedAt:  e.now().UTC().Format(time.RFC3339),
		})
	})
	if err != nil {
		return t, err
	}
	payload := events.EventPayload{"name": t.Name, "type": t.Type, "difficulty": t.Difficulty, "malusLevel": t.MalusLevel}
	if t.Deadline != nil {
		payload["deadline"] = *t.Deadline
	}
	e.record(ctx, nil, events.TaskCreated, t.UserID, "task", t.ID, payload)
	return t, nil
}

// NormalizeDeadline accepts YYYY-MM-DD or RFC 3339 input and keeps the
// calendar date. Empty input means no deadline.
func NormalizeDeadline(v string) (*string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	if d, err := time.Parse(time.DateOnly, v); err == nil {
		s := d.Format(time.DateOnly)
		return &s, nil
	}
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		s := ts.Format(time.DateOnly)
		return &s, nil
	}
	return nil, ValidationError{Field: "deadline", Reason: "must be YYYY-MM-DD or an RFC 3339 timestamp"}
}

type Completion struct {
	Task    domain.Task
	Stats   domain.Stats
	Outcome progression.SuccessOutcome
}

// Complete resolves an open task as a success. Removing the task, saving the
// stats and recording the outcome commit together or not at all.
func (e Engine) Complete(ctx context.Context, userID, taskID string) (Completion, error) {
	var res Completion
	err := e.atomically(ctx, func(ctx context.Context, s Store, ex events.Execer) error {
		u, err := e.getUser(ctx, s, userID)
		if err != nil {
			return err
		}
		t, err := e.getTask(ctx, s, userID, taskID)
		if err != nil {
			return err
		}
		if err := e.claim(ctx, s, userID, taskID); err != nil {
			return err
		}
		stats, out := e.Progression.ResolveSuccess(t, u.Stats)
		if err := e.saveStats(ctx, s, userID, stats); err != nil {
			return err
		}
		e.record(ctx, ex, events.TaskCompleted, userID, "task", t.ID, events.EventPayload{
			"name": t.Name, "coins": out.CoinGain, "xp": out.XPGain, "ruby": out.RubyDropped, "streak": out.Streak,
		})
		if out.LeveledUp {
			e.record(ctx, ex, events.UserLeveledUp, userID, "user", userID, events.EventPayload{"level": stats.Level})
		}
		res = Completion{Task: t, Stats: stats, Outcome: out}
		return nil
	})
	if err != nil {
		return Completion{}, err
	}
	return res, nil
}

type Failure struct {
	Task    domain.Task
	Stats   domain.Stats
	Outcome progression.FailureOutcome
	Message string
}

// FailureMessage describes a failure outcome to the player.
func FailureMessage(out progression.FailureOutcome) string {
	if out.Died {
		return fmt.Sprintf("You died! You lost all your coins and %d levels.", out.LevelsLost)
	}
	return fmt.Sprintf("You lost %d HP.", out.Damage)
}

// Fail resolves an open task as a failure, atomically like Complete.
func (e Engine) Fail(ctx context.Context, userID, taskID string) (Failure, error) {
	var res Failure
	err := e.atomically(ctx, func(ctx context.Context, s Store, ex events.Execer) error {
		u, err := e.getUser(ctx, s, userID)
		if err != nil {
			return err
		}
		t, err := e.getTask(ctx, s, userID, taskID)
		if err != nil {
			return err
		}
		if err := e.claim(ctx, s, userID, taskID); err != nil {
			return err
		}
		stats, out := e.Progression.ResolveFailure(t, u.Stats)
		if err := e.saveStats(ctx, s, userID, stats); err != nil {
			return err
		}
		e.recordFailure(ctx, ex, events.TaskFailed, userID, t, stats, out)
		res = Failure{Task: t, Stats: stats, Outcome: out, Message: FailureMessage(out)}
		return nil
	})
	if err != nil {
		return Failure{}, err
	}
	return res, nil
}

func (e Engine) recordFailure(ctx context.Context, ex events.Execer, evtType, userID string, t domain.Task, stats domain.Stats, out progression.FailureOutcome) {
	e.record(ctx, ex, evtType, userID, "task", t.ID, events.EventPayload{"name": t.Name, "damage": out.Damage, "died": out.Died})
	if out.Died {
		e.record(ctx, ex, events.UserDied, userID, "user", userID, events.EventPayload{"level": stats.Level, "levelsLost": out.LevelsLost})
	}
}

// Expiry reports what one user's expiry batch did.
type Expiry struct {
	UserID  string
	Expired []string
	Damage  int
	Deaths  int
	Stats   domain.Stats
}

// Expire fails every task of userID due strictly before the calendar day of
// now. The batch commits as one unit and stats are saved once; on error
// nothing is expired.
func (e Engine) Expire(ctx context.Context, userID string, now time.Time) (Expiry, error) {
	today := now.In(e.config().Location()).Format(time.DateOnly)
	var res Expiry
	err := e.atomically(ctx, func(ctx context.Context, s Store, ex events.Execer) error {
		res = Expiry{UserID: userID}
		u, err := e.getUser(ctx, s, userID)
		if err != nil {
			return err
		}
		due, err := call(ctx, e, func(ctx context.Context) ([]domain.Task, error) {
			return s.ListTasks(ctx, repo.TaskFilters{UserID: userID, DeadlineBefore: today})
		})
		if err != nil {
			return err
		}
		type expired struct {
			task  domain.Task
			stats domain.Stats
			out   progression.FailureOutcome
		}
		var done []expired
		stats := u.Stats
		for _, t := range due {
			if err := e.claim(ctx, s, userID, t.ID); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					continue
				}
				return err
			}
			var out progression.FailureOutcome
			stats, out = e.Progression.ResolveFailure(t, stats)
			done = append(done, expired{task: t, stats: stats, out: out})
			res.Expired = append(res.Expired, t.ID)
			res.Damage += out.Damage
			if out.Died {
				res.Deaths++
			}
		}
		res.Stats = stats
		if len(done) == 0 {
			return nil
		}
		if err := e.saveStats(ctx, s, userID, stats); err != nil {
			return err
		}
		for _, d := range done {
			e.recordFailure(ctx, ex, events.TaskExpired, userID, d.task, d.stats, d.out)
		}
		return nil
	})
	if err != nil {
		return Expiry{UserID: userID}, err
	}
	return res, nil
}

// ExpiryCandidates lists users holding tasks due before the calendar day of now.
func (e Engine) ExpiryCandidates(ctx context.Context, now time.Time) ([]string, error) {
	today := now.In(e.config().Location()).Format(time.DateOnly)
	return call(ctx, e, func(ctx context.Context) ([]string, error) { return e.Store.ListDeadlineOwners(ctx, today) })
}

func (e Engine) CreateShopItem(ctx context.Context, userID, name string, price float64) (domain.ShopItem, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ShopItem{}, ValidationError{Field: "name", Reason: "is required"}
	}
	if price < 0 {
		return domain.ShopItem{}, ValidationError{Field: "price", Reason: "must not be negative"}
	}
	if _, err := e.getUser(ctx, e.Store, userID); err != nil {
		return domain.ShopItem{}, err
	}
	it, err := call(ctx, e, func(ctx context.Context) (domain.ShopItem, error) {
		return e.Store.AddShopItem(ctx, domain.ShopItem{UserID: userID, Name: name, Price: price, CreatedAt: e.now().UTC().Format(time.RFC3339)})
	})
	if err != nil {
		return it, err
	}
	e.record(ctx, nil, events.ShopItemCreated, userID, "shop_item", it.ID, events.EventPayload{"name": it.Name, "price": it.Price})
	return it, nil
}

type BuyOptions struct {
	UserID   string
	ItemID   string
	ItemName string
	// Price is used when neither ItemID nor IsPotion is set.
	Price    *float64
	IsPotion bool
}

type Purchase struct {
	ItemName string
	Price    float64
	Stats    domain.Stats
	Message  string
}

const potionName = "Potion"

func (e Engine) Buy(ctx context.Context, opts BuyOptions) (Purchase, error) {
	u, err := e.getUser(ctx, e.Store, opts.UserID)
	if err != nil {
		return Purchase{}, err
	}
	var (
		price    float64
		name     = strings.TrimSpace(opts.ItemName)
		entityID string
	)
	switch {
	case opts.IsPotion:
		name = potionName
	case opts.ItemID != "":
		it, err := call(ctx, e, func(ctx context.Context) (domain.ShopItem, error) {
			return e.Store.GetShopItem(ctx, opts.UserID, opts.ItemID)
		})
		if err != nil {
			return Purchase{}, fmt.Errorf("shop item %s: %w", opts.ItemID, err)
		}
		price, name, entityID = it.Price, it.Name, it.ID
	case opts.Price != nil:
		price = *opts.Price
	default:
		return Purchase{}, ValidationError{Field: "price", Reason: "is required without itemId"}
	}
	stats, price, err := e.Progression.Purchase(u.Stats, price, opts.IsPotion)
	if errors.Is(err, progression.ErrInvalidPrice) {
		return Purchase{}, ValidationError{Field: "price", Reason: "must not be negative"}
	}
	if err != nil {
		return Purchase{}, err
	}
	if err := e.saveStats(ctx, e.Store, opts.UserID, stats); err != nil {
		return Purchase{}, err
	}
	e.record(ctx, nil, events.ShopItemPurchase, opts.UserID, "shop_item", entityID, events.EventPayload{
		"name": name, "price": price, "potion": opts.IsPotion,
	})
	return Purchase{
		ItemName: name,
		Price:    price,
		Stats:    stats,
		Message:  fmt.Sprintf("Purchase complete! (-%s)", strconv.FormatFloat(price, 'f', -1, 64)),
	}, nil
}

// Tasks lists open tasks matching f, oldest first.
func (e Engine) Tasks(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return call(ctx, e, func(ctx context.Context) ([]domain.Task, error) { return e.Store.ListTasks(ctx, f) })
}

// UserEvents returns the latest events of a user, newest first.
func (e Engine) UserEvents(ctx context.Context, userID string, limit int) ([]domain.Event, error) {
	if _, err := e.getUser(ctx, e.Store, userID); err != nil {
		return nil, err
	}
	return call(ctx, e, func(ctx context.Context) ([]domain.Event, error) {
		return e.Store.LatestEvents(ctx, limit, userID, "")
	})
}
