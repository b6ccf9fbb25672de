// Package match groups Person records into duplicate candidates.
//
// Strong groups share a messaging user id or a normalized phone and are closed
// transitively. Weak groups share only a normalized name, contain at least one
// placeholder record, and carry no conflicting strong identifier; they are for
// manual review and are never merged automatically.
package match

import (
	"sort"

	"go.uber.org/zap"

	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/id"
	"github.com/lherron/clinicsync/internal/logging"
	"github.com/lherron/clinicsync/internal/normalize"
)

// Matcher detects duplicate groups
type Matcher struct {
	classifier *id.Classifier
	logger     *zap.Logger
}

// New creates a Matcher. A nil classifier uses the default placeholder pattern.
func New(classifier *id.Classifier, logger *zap.Logger) *Matcher {
	if classifier == nil {
		classifier = id.MustClassifier("")
	}
	return &Matcher{
		classifier: classifier,
		logger:     logging.Named(logger, "matcher"),
	}
}

// Result holds the groups found in one scan
type Result struct {
	Strong  []domain.Group `json:"strong"`
	Weak    []domain.Group `json:"weak"`
	Scanned int            `json:"scanned"`
}

// Ambiguities returns one MatchAmbiguity per weak group
func (r Result) Ambiguities() []*domain.MatchAmbiguity {
	out := make([]*domain.MatchAmbiguity, 0, len(r.Weak))
	for _, g := range r.Weak {
		out = append(out, &domain.MatchAmbiguity{Name: normalize.Name(g.Members[0].Name), IDs: g.IDs()})
	}
	return out
}

// State derives the lifecycle state of a live record. A record is a
// placeholder while it has neither an authoritative id nor a verified phone.
func (m *Matcher) State(p domain.Person) domain.PersonState {
	if !m.classifier.IsPlaceholder(p.ID) || phoneKey(p.Phone) != "" {
		return domain.StateVerified
	}
	return domain.StatePlaceholder
}

// Match groups persons. The input order does not affect the result: members
// are sorted by id and groups by their first member.
func (m *Matcher) Match(persons []domain.Person) Result {
	people := make([]domain.Person, len(persons))
	copy(people, persons)
	sort.SliceStable(people, func(i, j int) bool { return people[i].ID < people[j].ID })

	uf := newUnionFind(len(people))
	phones := make([]string, len(people))
	msgIDs := make([]string, len(people))
	firstByPhone := make(map[string]int)
	firstByMsg := make(map[string]int)

	for i, p := range people {
		phones[i] = phoneKey(p.Phone)
		msgIDs[i] = trimmed(p.MessagingUserID)

		if msg := msgIDs[i]; msg != "" {
			if j, ok := firstByMsg[msg]; ok {
				uf.union(i, j)
			} else {
				firstByMsg[msg] = i
			}
		}
		if phone := phones[i]; phone != "" {
			if j, ok := firstByPhone[phone]; ok {
				uf.union(i, j)
			} else {
				firstByPhone[phone] = i
			}
		}
	}

	result := Result{Scanned: len(people)}
	inStrong := make([]bool, len(people))

	for _, members := range uf.sets() {
		if len(members) < 2 {
			continue
		}
		group := domain.Group{
			Confidence: domain.ConfidenceStrong,
			Signals:    sharedSignals(members, msgIDs, phones),
		}
		for _, idx := range members {
			inStrong[idx] = true
			group.Members = append(group.Members, people[idx])
		}
		result.Strong = append(result.Strong, group)
	}

	result.Weak = m.weakGroups(people, inStrong, phones, msgIDs)

	sortGroups(result.Strong)
	sortGroups(result.Weak)

	m.logger.Debug("match complete",
		zap.Int("scanned", result.Scanned),
		zap.Int("strong_groups", len(result.Strong)),
		zap.Int("weak_groups", len(result.Weak)))

	return result
}

func (m *Matcher) weakGroups(people []domain.Person, inStrong []bool, phones, msgIDs []string) []domain.Group {
	byName := make(map[string][]int)
	var keys []string
	for i, p := range people {
		if inStrong[i] {
			continue
		}
		key := normalize.NameKey(p.Name)
		if key == "" {
			continue
		}
		if _, ok := byName[key]; !ok {
			keys = append(keys, key)
		}
		byName[key] = append(byName[key], i)
	}

	var groups []domain.Group
	for _, key := range keys {
		members := byName[key]
		if len(members) < 2 {
			continue
		}

		hasPlaceholder := false
		for _, idx := range members {
			if m.State(people[idx]) == domain.StatePlaceholder {
				hasPlaceholder = true
				break
			}
		}
		if !hasPlaceholder {
			continue
		}
		if distinctNonEmpty(members, phones) > 1 || distinctNonEmpty(members, msgIDs) > 1 {
			m.logger.Debug("name match skipped: conflicting identifiers", zap.String("name_key", key), zap.Int("members", len(members)))
			continue
		}

		group := domain.Group{
			Confidence: domain.ConfidenceWeak,
			Signals:    []domain.Signal{domain.SignalName},
		}
		for _, idx := range members {
			group.Members = append(group.Members, people[idx])
		}
		groups = append(groups, group)
	}
	return groups
}

func sharedSignals(members []int, msgIDs, phones []string) []domain.Signal {
	var signals []domain.Signal
	if hasDuplicate(members, msgIDs) {
		signals = append(signals, domain.SignalMessagingID)
	}
	if hasDuplicate(members, phones) {
		signals = append(signals, domain.SignalPhone)
	}
	return signals
}

func hasDuplicate(members []int, values []string) bool {
	seen := make(map[string]struct{}, len(members))
	for _, idx := range members {
		v := values[idx]
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			return true
		}
		seen[v] = struct{}{}
	}
	return false
}

func distinctNonEmpty(members []int, values []string) int {
	seen := make(map[string]struct{}, len(members))
	for _, idx := range members {
		if v := values[idx]; v != "" {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}

func sortGroups(groups []domain.Group) {
	for _, g := range groups {
		sort.SliceStable(g.Members, func(i, j int) bool { return g.Members[i].ID < g.Members[j].ID })
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Members[0].ID < groups[j].Members[0].ID
	})
}

// phoneKey drops numbers too short to identify anyone; normalize.Person
// reports them.
func phoneKey(raw string) string {
	key, _ := normalize.PhoneKey(raw)
	return key
}
