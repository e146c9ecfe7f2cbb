package conflict

import (
	"fmt"
	"strings"
)

// Strategy selects how a conflict between local and remote is settled.
type Strategy int

const (
	// ServerWins takes the remote snapshot unconditionally.
	ServerWins Strategy = iota
	// ClientWins keeps the local snapshot unconditionally.
	ClientWins
	// Merge resolves field by field, last write wins against the watermark.
	Merge
	// Prompt leaves the decision to the caller.
	Prompt
)

var strategyNames = [...]string{"server_wins", "client_wins", "merge", "prompt"}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(b []byte) error {
	parsed, err := ParseStrategy(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStrategy parses a strategy name such as "server_wins".
func ParseStrategy(name string) (Strategy, error) {
	n := strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	for i, s := range strategyNames {
		if s == n {
			return Strategy(i), nil
		}
	}
	return 0, fmt.Errorf("unknown conflict strategy %q", name)
}

// EntityType is the closed set of entity kinds the engine syncs.
type EntityType int

const (
	Character EntityType = iota
	Inventory
	Campaign
	Session
	Map
	DiceRoll
	Note

	entityTypeCount
)

var entityTypeNames = [...]string{
	"character",
	"inventory",
	"campaign",
	"session",
	"map",
	"dice_roll",
	"note",
}

// defaultStrategies is positional: one entry per EntityType, in declaration
// order. Personal data keeps the client copy, DM-owned shared state follows
// the server, collaboratively edited entities merge.
var defaultStrategies = [...]Strategy{
	Merge,      // Character
	ClientWins, // Inventory
	ServerWins, // Campaign
	ServerWins, // Session
	ServerWins, // Map
	ClientWins, // DiceRoll
	ClientWins, // Note
}

// Both tables must cover every entity type; an addition to the enum without
// a name and a strategy fails to compile.
var (
	_ = [1]struct{}{}[len(entityTypeNames)-int(entityTypeCount)]
	_ = [1]struct{}{}[len(defaultStrategies)-int(entityTypeCount)]
)

func (e EntityType) String() string {
	if !e.Valid() {
		return fmt.Sprintf("EntityType(%d)", int(e))
	}
	return entityTypeNames[e]
}

// Valid reports whether e is a declared entity type.
func (e EntityType) Valid() bool {
	return e >= 0 && e < entityTypeCount
}

// EntityTypes returns every declared entity type.
func EntityTypes() []EntityType {
	out := make([]EntityType, entityTypeCount)
	for i := range out {
		out[i] = EntityType(i)
	}
	return out
}

// ParseEntityType parses an entity type name such as "dice_roll".
func ParseEntityType(name string) (EntityType, error) {
	n := strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	for i, s := range entityTypeNames {
		if s == n {
			return EntityType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown entity type %q", name)
}

// DefaultStrategy returns the built-in strategy for e.
func DefaultStrategy(e EntityType) Strategy {
	if !e.Valid() {
		return Prompt
	}
	return defaultStrategies[e]
}

// Policy maps entity types to strategies, starting from the defaults.
type Policy struct {
	strategies [entityTypeCount]Strategy
}

// NewPolicy returns the default policy with overrides applied.
func NewPolicy(overrides map[EntityType]Strategy) (*Policy, error) {
	p := &Policy{strategies: defaultStrategies}
	for e, s := range overrides {
		if !e.Valid() {
			return nil, fmt.Errorf("policy override: %s", e)
		}
		p.strategies[e] = s
	}
	return p, nil
}

// StrategyFor returns the strategy for e. Unknown types get Prompt so that
// nothing is resolved silently.
func (p *Policy) StrategyFor(e EntityType) Strategy {
	if !e.Valid() {
		return Prompt
	}
	return p.strategies[e]
}
