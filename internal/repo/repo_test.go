package repo_test

import (
	"context"
	"errors"
	"testing"

	"realquest/internal/config"
	"realquest/internal/db"
	"realquest/internal/domain"
	"realquest/internal/migrate"
	"realquest/internal/repo"
)

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, ctx
}

func seedUser(t *testing.T, r repo.Repo, ctx context.Context, pseudo string) domain.User {
	t.Helper()
	u, err := r.InsertUser(ctx, domain.User{
		Pseudo:       pseudo,
		PasswordHash: "hash",
		Infos:        map[string]any{"city": "Lyon"},
		Stats:        domain.Stats{HP: 100, MaxHP: 100, Level: 1},
	})
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return u
}

func TestUserRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	u := seedUser(t, r, ctx, "arthur")
	if u.ID == "" || u.CreatedAt == "" {
		t.Fatalf("expected generated id and timestamp, got %+v", u)
	}
	got, err := r.FindUserByPseudo(ctx, "arthur")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != u.ID || got.Infos["city"] != "Lyon" || got.Stats.HP != 100 {
		t.Fatalf("unexpected user %+v", got)
	}
	if _, err := r.InsertUser(ctx, domain.User{Pseudo: "arthur", PasswordHash: "x", Stats: domain.Stats{HP: 1, MaxHP: 1, Level: 1}}); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict on duplicate pseudo, got %v", err)
	}
	if _, err := r.GetUser(ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	stats := domain.Stats{HP: 42, MaxHP: 100, XP: 7, Level: 3, Coins: 12.5, Rubies: 2}
	if err := r.SaveStats(ctx, u.ID, stats); err != nil {
		t.Fatalf("save stats: %v", err)
	}
	got, _ = r.GetUser(ctx, u.ID)
	if got.Stats != stats {
		t.Fatalf("stats not persisted: %+v", got.Stats)
	}
	if err := r.SaveStats(ctx, "missing", stats); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRemoveTaskOnlyOnce(t *testing.T) {
	r, ctx := newRepo(t)
	u := seedUser(t, r, ctx, "lancelot")
	deadline := "2024-01-01"
	task, err := r.AddTask(ctx, domain.Task{UserID: u.ID, Name: "joust", Type: "quete", Difficulty: 3, MalusLevel: 2, Deadline: &deadline})
	if err != nil {
		t.Fatalf("add task: %v", err)
	}
	if task.ID == "" {
		t.Fatalf("expected generated task id")
	}
	got, err := r.GetTask(ctx, u.ID, task.ID)
	if err != nil || got.Deadline == nil || *got.Deadline != deadline {
		t.Fatalf("get task: %+v %v", got, err)
	}
	if err := r.RemoveTask(ctx, u.ID, task.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.RemoveTask(ctx, u.ID, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second removal, got %v", err)
	}
}

func TestDeadlineOwners(t *testing.T) {
	r, ctx := newRepo(t)
	a := seedUser(t, r, ctx, "a")
	b := seedUser(t, r, ctx, "b")
	past, today := "2024-03-09", "2024-03-10"
	for _, task := range []domain.Task{
		{UserID: a.ID, Name: "late", Type: "quete", Deadline: &past},
		{UserID: a.ID, Name: "late too", Type: "quete", Deadline: &past},
		{UserID: b.ID, Name: "due today", Type: "quete", Deadline: &today},
		{UserID: b.ID, Name: "no deadline", Type: "quete"},
	} {
		if _, err := r.AddTask(ctx, task); err != nil {
			t.Fatalf("add task: %v", err)
		}
	}
	owners, err := r.ListDeadlineOwners(ctx, today)
	if err != nil {
		t.Fatalf("owners: %v", err)
	}
	if len(owners) != 1 || owners[0] != a.ID {
		t.Fatalf("expected only user a, got %v", owners)
	}
	due, err := r.ListTasks(ctx, repo.TaskFilters{UserID: a.ID, DeadlineBefore: today})
	if err != nil || len(due) != 2 {
		t.Fatalf("expected two overdue tasks, got %d %v", len(due), err)
	}
	open, _ := r.ListTasks(ctx, repo.TaskFilters{UserID: b.ID})
	if len(open) != 2 {
		t.Fatalf("expected two open tasks for b, got %d", len(open))
	}
}

func TestShopAndEvents(t *testing.T) {
	r, ctx := newRepo(t)
	u := seedUser(t, r, ctx, "merlin")
	item, err := r.AddShopItem(ctx, domain.ShopItem{UserID: u.ID, Name: "Cinema", Price: 30})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if got, err := r.GetShopItem(ctx, u.ID, item.ID); err != nil || got.Price != 30 {
		t.Fatalf("get item: %+v %v", got, err)
	}
	if _, err := r.GetShopItem(ctx, "other", item.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("items are scoped per user, got %v", err)
	}

	for i, typ := range []string{"task.created", "task.completed", "task.created"} {
		if _, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,user_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
			"2024-01-01T00:00:00Z", typ, u.ID, "task", "", "{}"); err != nil {
			t.Fatalf("insert event %d: %v", i, err)
		}
	}
	latest, err := r.LatestEvents(ctx, 10, u.ID, "task.created")
	if err != nil || len(latest) != 2 || latest[0].ID < latest[1].ID {
		t.Fatalf("unexpected latest events %+v %v", latest, err)
	}
	after, err := r.EventsAfter(ctx, 10, latest[1].ID)
	if err != nil || len(after) != 2 {
		t.Fatalf("unexpected events after cursor %+v %v", after, err)
	}
	if id, _ := r.LatestEventID(ctx); id != latest[0].ID {
		t.Fatalf("expected latest id %d, got %d", latest[0].ID, id)
	}
}

func TestGameConfigRoundTrip(t *testing.T) {
	r, ctx := newRepo(t)
	if _, err := r.GetGameConfig(ctx); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no stored config, got %v", err)
	}
	cfg := config.Default()
	cfg.Rules.Potion.Price = 120
	if err := r.UpsertGameConfig(ctx, cfg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := r.GetGameConfig(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Rules.Potion.Price != 120 || got.Rules.Rewards[7].Max != 40 || got.Sweep.Interval != cfg.Sweep.Interval {
		t.Fatalf("unexpected stored config %+v", got.Rules)
	}
}
