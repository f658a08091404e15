package rates

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrConfiguration marks a missing or unusable billing rule.
var ErrConfiguration = errors.New("billing rule not configured")

// ConfigurationError names the game type that could not be priced.
type ConfigurationError struct {
	GameType string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("table has no billing rule configured for game type %q", e.GameType)
	}
	return fmt.Sprintf("billing rule for game type %q: %s", e.GameType, e.Reason)
}

// Is lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// DefaultCacheSize bounds the resolved-rule cache.
const DefaultCacheSize = 128

// Book resolves game types to rate rules. Lookups are case-insensitive and
// rules without their own night window inherit the book default.
type Book struct {
	mu            sync.RWMutex
	rules         map[string]RateRule
	defaultWindow *NightWindow
	cache         *lru.Cache[string, RateRule]
}

// NewBook validates rules and builds a Book. defaultWindow may be nil.
func NewBook(rules []RateRule, defaultWindow *NightWindow) (*Book, error) {
	cache, err := lru.New[string, RateRule](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create rule cache: %w", err)
	}
	b := &Book{cache: cache}
	if err := b.Replace(rules, defaultWindow); err != nil {
		return nil, err
	}
	return b, nil
}

// Replace swaps the rule set atomically, e.g. on configuration reload.
func (b *Book) Replace(rules []RateRule, defaultWindow *NightWindow) error {
	if defaultWindow != nil {
		if err := defaultWindow.Validate(); err != nil {
			return fmt.Errorf("default night window: %w", err)
		}
	}

	index := make(map[string]RateRule, len(rules))
	for _, r := range rules {
		key := normalize(r.GameType)
		if key == "" {
			return fmt.Errorf("rate rule with empty game type")
		}
		if _, dup := index[key]; dup {
			return fmt.Errorf("duplicate rate rule for game type %q", r.GameType)
		}
		if err := r.Validate(); err != nil {
			return &ConfigurationError{GameType: r.GameType, Reason: err.Error()}
		}
		index[key] = r
	}

	b.mu.Lock()
	b.rules = index
	b.defaultWindow = defaultWindow
	b.cache.Purge()
	b.mu.Unlock()
	return nil
}

// Rule returns the effective rule for a game type or a *ConfigurationError.
func (b *Book) Rule(gameType string) (RateRule, error) {
	key := normalize(gameType)
	if rule, ok := b.cache.Get(key); ok {
		return rule, nil
	}

	// Hold the read lock across the cache fill so Replace cannot purge in between.
	b.mu.RLock()
	defer b.mu.RUnlock()
	rule, ok := b.rules[key]
	if !ok {
		return RateRule{}, &ConfigurationError{GameType: gameType}
	}

	if rule.NightWindow == nil && b.defaultWindow != nil {
		w := *b.defaultWindow
		rule.NightWindow = &w
	}
	b.cache.Add(key, rule)
	return rule, nil
}

// GameTypes lists configured game types in sorted order.
func (b *Book) GameTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.rules))
	for _, r := range b.rules {
		out = append(out, r.GameType)
	}
	sort.Strings(out)
	return out
}

func normalize(gameType string) string {
	return strings.ToLower(strings.TrimSpace(gameType))
}
