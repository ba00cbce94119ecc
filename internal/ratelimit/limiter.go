// Package ratelimit implements per-client, per-route fixed-window counters.
// Windows reset lazily on the first hit after they lapse; a coarse sweep
// reclaims idle keys separately from the request path.
package ratelimit

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"
)

// Rule caps requests whose path starts with Prefix. An empty Method matches
// every method.
type Rule struct {
	Method string
	Prefix string
	Max    int
	Window time.Duration
}

// Name identifies the rule in counter keys and metrics.
func (r Rule) Name() string {
	if r.Method == "" {
		return r.Prefix
	}
	return r.Method + " " + r.Prefix
}

func (r Rule) matches(method, route string) bool {
	if r.Method != "" && !strings.EqualFold(r.Method, method) {
		return false
	}
	return strings.HasPrefix(route, r.Prefix)
}

// Decision is the outcome of a single Check.
type Decision struct {
	Allowed    bool
	Rule       Rule
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one.
func (d Decision) RetryAfterSeconds() int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Window is the counter state a Store reports after a hit.
type Window struct {
	Count   int
	Start   time.Time
	Allowed bool
}

// Store records hits against a key. Take must count the hit only when it is
// allowed, and reset the window when now is past Start+window.
type Store interface {
	Take(ctx context.Context, key string, max int, window time.Duration, now time.Time) (Window, error)
}

// Limiter maps routes to rules and delegates counting to a Store.
type Limiter struct {
	rules []Rule
	def   Rule
	store Store
	now   func() time.Time
}

// New builds a limiter. Rules are matched by longest prefix, method-specific
// rules first on equal prefixes; def applies when nothing matches.
func New(store Store, def Rule, rules ...Rule) *Limiter {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Method != "" && sorted[j].Method == ""
	})
	return &Limiter{rules: sorted, def: def, store: store, now: time.Now}
}

// RuleFor returns the rule that governs a request.
func (l *Limiter) RuleFor(method, route string) Rule {
	for _, r := range l.rules {
		if r.matches(method, route) {
			return r
		}
	}
	return l.def
}

// Check counts one request from clientID against the matching rule.
func (l *Limiter) Check(ctx context.Context, clientID, method, route string) (Decision, error) {
	rule := l.RuleFor(method, route)
	now := l.now()

	w, err := l.store.Take(ctx, clientID+":"+rule.Name(), rule.Max, rule.Window, now)
	if err != nil {
		return Decision{}, err
	}

	resetAt := w.Start.Add(rule.Window)
	d := Decision{
		Allowed:   w.Allowed,
		Rule:      rule,
		Limit:     rule.Max,
		Remaining: rule.Max - w.Count,
		ResetAt:   resetAt,
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !w.Allowed {
		d.Remaining = 0
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}
