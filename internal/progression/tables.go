package progression

// RewardRule parameterizes the coin draw and experience yield of a difficulty tier.
type RewardRule struct {
	Min float64
	Max float64
	XP  int
}

// RewardTable maps difficulty tiers to reward rules.
type RewardTable map[int]RewardRule

// PenaltyTable maps malus tiers to hp damage.
type PenaltyTable map[int]int

// DefaultRewards is the reference reward table.
func DefaultRewards() RewardTable {
	return RewardTable{
		1: {Min: 1, Max: 2, XP: 1},
		2: {Min: 2, Max: 3, XP: 2},
		3: {Min: 3, Max: 5, XP: 3},
		4: {Min: 5, Max: 8, XP: 4},
		5: {Min: 8, Max: 12, XP: 6},
		6: {Min: 12, Max: 20, XP: 8},
		7: {Min: 20, Max: 40, XP: 10},
	}
}

// DefaultPenalties is the reference penalty table.
func DefaultPenalties() PenaltyTable {
	return PenaltyTable{1: 1, 2: 3, 3: 5, 4: 10, 5: 25, 6: 50, 7: 75}
}

// Lookup returns the rule for tier and the tier actually used. Unknown tiers
// fall back to tier 1.
func (t RewardTable) Lookup(tier int) (RewardRule, int) {
	if r, ok := t[tier]; ok {
		return r, tier
	}
	if r, ok := t[1]; ok {
		return r, 1
	}
	return RewardRule{Min: 1, Max: 2, XP: 1}, 1
}

// Damage returns the damage for tier. Unknown tiers fall back to tier 1,
// and to 1 hp when tier 1 is missing too.
func (t PenaltyTable) Damage(tier int) int {
	if d, ok := t[tier]; ok {
		return d
	}
	if d, ok := t[1]; ok {
		return d
	}
	return 1
}
