// Package progression turns task outcomes into stat mutations. It performs no
// I/O; callers load and persist state around it.
package progression

import (
	"errors"
	"math"

	"realquest/internal/domain"
)

// ErrInsufficientFunds is returned by Purchase when coins do not cover the price.
var ErrInsufficientFunds = errors.New("insufficient funds")

// ErrInvalidPrice is returned by Purchase for negative prices.
var ErrInvalidPrice = errors.New("price must not be negative")

// Rules holds every tunable constant of the engine.
type Rules struct {
	Rewards        RewardTable
	Penalties      PenaltyTable
	XPPerLevel     int
	LevelUpHeal    int
	DeathResetHP   int
	DeathLevelLoss int
	StreakTaskType string
	StreakStep     float64
	StreakCap      int
	RubyChance     float64
	PotionPrice    float64
	PotionHeal     int
}

// DefaultRules returns the reference rules.
func DefaultRules() Rules {
	return Rules{
		Rewards:        DefaultRewards(),
		Penalties:      DefaultPenalties(),
		XPPerLevel:     100,
		LevelUpHeal:    20,
		DeathResetHP:   100,
		DeathLevelLoss: 5,
		StreakTaskType: "journaliere",
		StreakStep:     0.1,
		StreakCap:      20,
		RubyChance:     0.05,
		PotionPrice:    150,
		PotionHeal:     50,
	}
}

// SuccessOutcome reports what a completion earned.
type SuccessOutcome struct {
	CoinGain    float64 `json:"coins"`
	XPGain      int     `json:"xp"`
	RubyDropped bool    `json:"ruby"`
	LeveledUp   bool    `json:"levelUp"`
	Streak      int     `json:"streak"`
	Multiplier  float64 `json:"multiplier"`
}

// FailureOutcome reports what a failure or expiry cost.
type FailureOutcome struct {
	Damage     int  `json:"damage"`
	Died       bool `json:"died"`
	LevelsLost int  `json:"levelsLost,omitempty"`
}

// Engine applies Rules to stats, drawing from Rand.
type Engine struct {
	Rules Rules
	Rand  Source
}

// New returns an Engine over rules and src.
func New(rules Rules, src Source) Engine {
	return Engine{Rules: rules, Rand: src}
}

func (e Engine) draw() float64 {
	if e.Rand == nil {
		return 0
	}
	return e.Rand.Float64()
}

// ResolveSuccess applies a completed task to stats. The coin draw happens
// before the ruby roll.
func (e Engine) ResolveSuccess(t domain.Task, s domain.Stats) (domain.Stats, SuccessOutcome) {
	rule, _ := e.Rules.Rewards.Lookup(t.Difficulty)
	coinGain := round2(rule.Min + e.draw()*(rule.Max-rule.Min))
	xpGain := float64(rule.XP)

	out := SuccessOutcome{Streak: t.Streak, Multiplier: 1}
	if t.Type == e.Rules.StreakTaskType {
		out.Streak = t.Streak + 1
		out.Multiplier = 1 + float64(min(out.Streak, e.Rules.StreakCap))*e.Rules.StreakStep
		coinGain *= out.Multiplier
		xpGain *= out.Multiplier
	}

	// The ruby chance follows the raw difficulty, not the fallback tier.
	if e.draw() < max(0, float64(t.Difficulty))*e.Rules.RubyChance {
		s.Rubies++
		out.RubyDropped = true
	}

	out.CoinGain = round2(coinGain)
	out.XPGain = int(math.Round(xpGain))
	s.Coins = round2(s.Coins + out.CoinGain)
	s.XP += out.XPGain

	// Single step: excess experience is dropped, never carried to a second level.
	if s.XP >= s.Level*e.Rules.XPPerLevel {
		s.Level++
		s.XP = 0
		s.HP = min(s.HP+e.Rules.LevelUpHeal, s.MaxHP)
		out.LeveledUp = true
	}
	return clamp(s), out
}

// ResolveFailure applies a failed or expired task to stats. Experience is
// never touched.
func (e Engine) ResolveFailure(t domain.Task, s domain.Stats) (domain.Stats, FailureOutcome) {
	out := FailureOutcome{Damage: e.Rules.Penalties.Damage(t.MalusLevel)}
	s.HP -= out.Damage
	if s.HP <= 0 {
		s.HP = e.Rules.DeathResetHP
		s.Coins = 0
		before := s.Level
		s.Level = max(1, s.Level-e.Rules.DeathLevelLoss)
		out.Died = true
		out.LevelsLost = before - s.Level
	}
	return clamp(s), out
}

// Purchase deducts the price of an item, or of a potion which also heals.
func (e Engine) Purchase(s domain.Stats, price float64, isPotion bool) (domain.Stats, float64, error) {
	if isPotion {
		price = e.Rules.PotionPrice
	}
	if price < 0 || math.IsNaN(price) {
		return s, 0, ErrInvalidPrice
	}
	if s.Coins < price {
		return s, price, ErrInsufficientFunds
	}
	s.Coins = round2(s.Coins - price)
	if isPotion {
		s.HP = min(s.MaxHP, s.HP+e.Rules.PotionHeal)
	}
	return clamp(s), price, nil
}

// clamp keeps the lower bounds of every stat. The upper hp bound is left to
// the rules: a death reset may land above a reduced maxHp.
func clamp(s domain.Stats) domain.Stats {
	if s.HP < 0 {
		s.HP = 0
	}
	if s.Coins < 0 {
		s.Coins = 0
	}
	if s.Level < 1 {
		s.Level = 1
	}
	if s.XP < 0 {
		s.XP = 0
	}
	if s.Rubies < 0 {
		s.Rubies = 0
	}
	return s
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
