package progression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"realquest/internal/domain"
)

func freshStats() domain.Stats {
	return domain.Stats{HP: 100, MaxHP: 100, XP: 0, Level: 1, Coins: 0, Rubies: 0}
}

func TestResolveSuccess_CoinGainWithinTierRange(t *testing.T) {
	src, err := NewSource()
	require.NoError(t, err)
	eng := New(DefaultRules(), src)

	for tier := 1; tier <= 7; tier++ {
		rule := DefaultRewards()[tier]
		for i := 0; i < 200; i++ {
			_, out := eng.ResolveSuccess(domain.Task{Difficulty: tier, Type: "quete"}, freshStats())
			assert.GreaterOrEqual(t, out.CoinGain, rule.Min, "tier %d", tier)
			assert.LessOrEqual(t, out.CoinGain, rule.Max, "tier %d", tier)
			assert.Equal(t, rule.XP, out.XPGain, "tier %d", tier)
		}
	}
}

func TestResolveSuccess_InvalidTierFallsBackToTierOne(t *testing.T) {
	src, err := NewSource()
	require.NoError(t, err)
	eng := New(DefaultRules(), src)

	for _, tier := range []int{0, -3, 8, 99} {
		for i := 0; i < 50; i++ {
			_, out := eng.ResolveSuccess(domain.Task{Difficulty: tier}, freshStats())
			assert.GreaterOrEqual(t, out.CoinGain, 1.0)
			assert.LessOrEqual(t, out.CoinGain, 2.0)
			assert.Equal(t, 1, out.XPGain)
		}
	}
}

func TestResolveSuccess_DeterministicDraw(t *testing.T) {
	// coin draw 0.5 on tier 4 -> 5 + 0.5*3 = 6.5; ruby roll 0.99 misses.
	eng := New(DefaultRules(), NewSequence(0.5, 0.99))
	s := freshStats()
	s.Coins = 10.25

	got, out := eng.ResolveSuccess(domain.Task{Difficulty: 4}, s)
	assert.Equal(t, 6.5, out.CoinGain)
	assert.Equal(t, 4, out.XPGain)
	assert.False(t, out.RubyDropped)
	assert.Equal(t, 16.75, got.Coins)
	assert.Equal(t, 4, got.XP)
	assert.Equal(t, 0, got.Rubies)
}

func TestResolveSuccess_RubyDropProbabilityScalesWithDifficulty(t *testing.T) {
	cases := []struct {
		tier   int
		roll   float64
		expect bool
	}{
		{tier: 1, roll: 0.049, expect: true},
		{tier: 1, roll: 0.05, expect: false},
		{tier: 7, roll: 0.34, expect: true},
		{tier: 7, roll: 0.36, expect: false},
		{tier: 12, roll: 0.59, expect: true},
		{tier: 12, roll: 0.61, expect: false},
		{tier: 0, roll: 0, expect: false},
		{tier: -3, roll: 0, expect: false},
	}
	for _, tc := range cases {
		eng := New(DefaultRules(), NewSequence(0, tc.roll))
		got, out := eng.ResolveSuccess(domain.Task{Difficulty: tc.tier}, freshStats())
		assert.Equal(t, tc.expect, out.RubyDropped, "tier %d roll %v", tc.tier, tc.roll)
		if tc.expect {
			assert.Equal(t, 1, got.Rubies)
		} else {
			assert.Equal(t, 0, got.Rubies)
		}
	}
}

func TestResolveSuccess_StreakMultiplierIsCapped(t *testing.T) {
	eng := New(DefaultRules(), NewSequence(0, 0.99))
	daily := domain.Task{Difficulty: 1, Type: "journaliere", Streak: 19}

	_, out := eng.ResolveSuccess(daily, freshStats())
	assert.Equal(t, 20, out.Streak)
	assert.InDelta(t, 3.0, out.Multiplier, 1e-9)
	assert.InDelta(t, 3.0, out.CoinGain, 1e-9)
	assert.Equal(t, 3, out.XPGain)

	daily.Streak = out.Streak
	_, out = eng.ResolveSuccess(daily, freshStats())
	assert.Equal(t, 21, out.Streak)
	assert.InDelta(t, 3.0, out.Multiplier, 1e-9)
	assert.InDelta(t, 3.0, out.CoinGain, 1e-9)
}

func TestResolveSuccess_NonDailyTaskKeepsStreak(t *testing.T) {
	eng := New(DefaultRules(), NewSequence(0, 0.99))
	_, out := eng.ResolveSuccess(domain.Task{Difficulty: 1, Type: "quete", Streak: 4}, freshStats())
	assert.Equal(t, 4, out.Streak)
	assert.Equal(t, 1.0, out.Multiplier)
	assert.Equal(t, 1.0, out.CoinGain)
}

func TestResolveSuccess_LevelUpIsSingleStep(t *testing.T) {
	eng := New(DefaultRules(), NewSequence(0, 0.99))

	s := domain.Stats{HP: 70, MaxHP: 100, XP: 95, Level: 1, Coins: 3}
	got, out := eng.ResolveSuccess(domain.Task{Difficulty: 7}, s)
	require.True(t, out.LeveledUp)
	assert.Equal(t, 2, got.Level)
	assert.Equal(t, 0, got.XP)
	assert.Equal(t, 90, got.HP)

	// 295 + 10 crosses both level-2 (200) and level-3 (300) thresholds; only one level is gained.
	s = domain.Stats{HP: 95, MaxHP: 100, XP: 295, Level: 2}
	got, out = eng.ResolveSuccess(domain.Task{Difficulty: 7}, s)
	require.True(t, out.LeveledUp)
	assert.Equal(t, 3, got.Level)
	assert.Equal(t, 0, got.XP)
	assert.Equal(t, 100, got.HP, "heal is capped at maxHp")
}

func TestResolveSuccess_BelowThresholdDoesNotLevel(t *testing.T) {
	eng := New(DefaultRules(), NewSequence(0, 0.99))
	got, out := eng.ResolveSuccess(domain.Task{Difficulty: 2}, domain.Stats{HP: 50, MaxHP: 100, XP: 10, Level: 1})
	assert.False(t, out.LeveledUp)
	assert.Equal(t, 12, got.XP)
	assert.Equal(t, 50, got.HP)
}

func TestResolveFailure_DamageMatchesTable(t *testing.T) {
	eng := New(DefaultRules(), nil)
	expected := map[int]int{1: 1, 2: 3, 3: 5, 4: 10, 5: 25, 6: 50, 7: 75, 0: 1, 8: 1, -1: 1}
	for tier, dmg := range expected {
		s := domain.Stats{HP: 100, MaxHP: 100, XP: 42, Level: 3, Coins: 10}
		got, out := eng.ResolveFailure(domain.Task{MalusLevel: tier}, s)
		assert.Equal(t, dmg, out.Damage, "tier %d", tier)
		assert.False(t, out.Died)
		assert.Equal(t, 100-dmg, got.HP)
		assert.Equal(t, 42, got.XP, "failure never touches xp")
		assert.Equal(t, 10.0, got.Coins)
	}
}

func TestResolveFailure_DeathResetsStats(t *testing.T) {
	eng := New(DefaultRules(), nil)

	got, out := eng.ResolveFailure(domain.Task{MalusLevel: 5}, domain.Stats{HP: 25, MaxHP: 100, XP: 30, Level: 8, Coins: 123.45, Rubies: 2})
	require.True(t, out.Died)
	assert.Equal(t, 100, got.HP)
	assert.Equal(t, 0.0, got.Coins)
	assert.Equal(t, 3, got.Level)
	assert.Equal(t, 5, out.LevelsLost)
	assert.Equal(t, 30, got.XP)
	assert.Equal(t, 2, got.Rubies)

	got, out = eng.ResolveFailure(domain.Task{MalusLevel: 7}, domain.Stats{HP: 10, MaxHP: 100, Level: 3})
	require.True(t, out.Died)
	assert.Equal(t, 1, got.Level)
	assert.Equal(t, 2, out.LevelsLost)
}

func TestResolveFailure_DeathResetIgnoresMaxHP(t *testing.T) {
	eng := New(DefaultRules(), nil)
	got, out := eng.ResolveFailure(domain.Task{MalusLevel: 7}, domain.Stats{HP: 5, MaxHP: 150, Level: 1})
	require.True(t, out.Died)
	assert.Equal(t, 100, got.HP)
}

func TestHealthStaysInBounds(t *testing.T) {
	src, err := NewSource()
	require.NoError(t, err)
	eng := New(DefaultRules(), src)
	s := freshStats()
	for i := 0; i < 500; i++ {
		task := domain.Task{Difficulty: i%9 - 1, MalusLevel: i%8 + 1, Type: "journaliere", Streak: i % 30}
		if i%3 == 0 {
			s, _ = eng.ResolveSuccess(task, s)
		} else {
			s, _ = eng.ResolveFailure(task, s)
		}
		require.GreaterOrEqual(t, s.HP, 0)
		require.LessOrEqual(t, s.HP, s.MaxHP)
		require.GreaterOrEqual(t, s.Coins, 0.0)
		require.GreaterOrEqual(t, s.Level, 1)
		require.GreaterOrEqual(t, s.XP, 0)
	}
}

func TestPurchase(t *testing.T) {
	eng := New(DefaultRules(), nil)

	got, price, err := eng.Purchase(domain.Stats{HP: 80, MaxHP: 100, Level: 1, Coins: 200}, 0, true)
	require.NoError(t, err)
	assert.Equal(t, 150.0, price)
	assert.Equal(t, 50.0, got.Coins)
	assert.Equal(t, 100, got.HP)

	got, _, err = eng.Purchase(domain.Stats{HP: 20, MaxHP: 100, Level: 1, Coins: 200}, 999, true)
	require.NoError(t, err)
	assert.Equal(t, 70, got.HP, "potion price ignores the supplied price")

	got, _, err = eng.Purchase(domain.Stats{HP: 20, MaxHP: 100, Level: 1, Coins: 10.3}, 4.1, false)
	require.NoError(t, err)
	assert.Equal(t, 6.2, got.Coins)
	assert.Equal(t, 20, got.HP)

	before := domain.Stats{HP: 20, MaxHP: 100, Level: 1, Coins: 100}
	got, _, err = eng.Purchase(before, 0, true)
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, before, got)

	_, _, err = eng.Purchase(before, -5, false)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestPenaltyTableFallback(t *testing.T) {
	assert.Equal(t, 1, PenaltyTable{}.Damage(4))
	assert.Equal(t, 7, PenaltyTable{1: 7}.Damage(4))

	rule, tier := RewardTable{}.Lookup(3)
	assert.Equal(t, 1, tier)
	assert.Equal(t, RewardRule{Min: 1, Max: 2, XP: 1}, rule)
}
