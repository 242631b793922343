// Package conflict holds the declared resolution strategies for queue items
// the server rejected as stale.
package conflict

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/posync/internal/client/models"
)

type Strategy string

const (
	ServerWins Strategy = "server_wins"
	ClientWins Strategy = "client_wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

var ErrUnknownStrategy = errors.New("unknown conflict strategy")

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case ServerWins, ClientWins, Merge, Manual:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
}

// Automatic reports whether the engine executes the strategy itself.
// Merge and manual are left to a human.
func (s Strategy) Automatic() bool {
	return s == ServerWins || s == ClientWins
}

// Policy picks the strategy for an entity.
type Policy struct {
	Default   Strategy
	PerEntity map[models.Entity]Strategy
}

func DefaultPolicy() Policy {
	return Policy{Default: Manual}
}

// NewPolicy builds a policy from config strings.
func NewPolicy(def string, perEntity map[string]string) (Policy, error) {
	p := DefaultPolicy()
	if def != "" {
		st, err := ParseStrategy(def)
		if err != nil {
			return Policy{}, err
		}
		p.Default = st
	}
	for e, s := range perEntity {
		st, err := ParseStrategy(s)
		if err != nil {
			return Policy{}, fmt.Errorf("entity %s: %w", e, err)
		}
		if p.PerEntity == nil {
			p.PerEntity = make(map[models.Entity]Strategy)
		}
		p.PerEntity[models.Entity(e)] = st
	}
	return p, nil
}

func (p Policy) For(e models.Entity) Strategy {
	if st, ok := p.PerEntity[e]; ok {
		return st
	}
	if p.Default == "" {
		return Manual
	}
	return p.Default
}

// MergeFields overlays the top-level fields of local onto server. It is a
// starting point offered to the user for the merge strategy, not an
// automatic resolution.
func MergeFields(server, local json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(server) > 0 {
		if err := json.Unmarshal(server, &base); err != nil {
			return nil, fmt.Errorf("server copy: %w", err)
		}
	}
	var over map[string]json.RawMessage
	if err := json.Unmarshal(local, &over); err != nil {
		return nil, fmt.Errorf("local payload: %w", err)
	}
	for k, v := range over {
		base[k] = v
	}
	return json.Marshal(base)
}
