package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/rickgao/tokenmarket/internal/model"
	"github.com/rickgao/tokenmarket/internal/pricing"
)

type entry struct {
	token model.Token
	calc  *pricing.Calculator
}

// registryState is the in-memory token cache.
type registryState struct {
	mu         sync.RWMutex
	tokens     map[string]entry
	lastSyncAt time.Time
}

func newState() *registryState {
	return &registryState{tokens: make(map[string]entry)}
}

func (s *registryState) upsert(t model.Token, calc *pricing.Calculator) {
	s.mu.Lock()
	s.tokens[t.ID] = entry{token: t, calc: calc}
	s.mu.Unlock()
}

// setSupply stores the supply_sold last read from the store.
func (s *registryState) setSupply(id string, supplySold int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.tokens[id]; ok {
		e.token.SupplySold = supplySold
		s.tokens[id] = e
	}
}

func (s *registryState) calculator(id string) (*pricing.Calculator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tokens[id]
	return e.calc, ok
}

func (s *registryState) get(id string) (model.Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tokens[id]
	return e.token, ok
}

func (s *registryState) list() []model.Token {
	s.mu.RLock()
	out := make([]model.Token, 0, len(s.tokens))
	for _, e := range s.tokens {
		out = append(out, e.token)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *registryState) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}
