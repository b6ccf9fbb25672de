package resolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/clinicsync/internal/domain"
	"github.com/lherron/clinicsync/internal/match"
)

func day(n int) time.Time {
	return time.Date(2024, 3, n, 10, 0, 0, 0, time.UTC)
}

func strongGroup(members ...domain.Person) domain.Group {
	return domain.Group{Confidence: domain.ConfidenceStrong, Signals: []domain.Signal{domain.SignalMessagingID}, Members: members}
}

func TestVerifiedBeatsPlaceholder(t *testing.T) {
	a := domain.Person{ID: "tmp_a", MessagingUserID: "U1", CreatedAt: day(1), UpdatedAt: day(1)}
	r := New(nil, nil)

	for _, bID := range []string{"P000123", "tmp_b"} {
		t.Run(bID, func(t *testing.T) {
			b := domain.Person{ID: bID, Phone: "09011112222", MessagingUserID: "U1", CreatedAt: day(2), UpdatedAt: day(2)}

			plan, err := r.Resolve(strongGroup(a, b))
			require.NoError(t, err)
			assert.Equal(t, bID, plan.CanonicalID)
			assert.Equal(t, []string{"tmp_a"}, plan.LosingIDs)
			assert.NotContains(t, plan.FieldUpdates, domain.FieldPhone, "canonical already holds the phone")
		})
	}
}

func TestShortPhoneDoesNotVerifyPlaceholder(t *testing.T) {
	early := domain.Person{ID: "tmp_a", MessagingUserID: "U1", CreatedAt: day(1), UpdatedAt: day(1)}
	late := domain.Person{ID: "tmp_b", Phone: "000000", MessagingUserID: "U1", CreatedAt: day(2), UpdatedAt: day(2)}

	canonical, _, reason := New(nil, nil).SelectCanonical([]domain.Person{late, early})
	assert.Equal(t, "tmp_a", canonical.ID)
	assert.Equal(t, "earliest created_at", reason)
}

func TestEarliestCreatedWinsAmongEqualRank(t *testing.T) {
	r := New(nil, nil)
	early := domain.Person{ID: "P900", CreatedAt: day(1), UpdatedAt: day(1), Phone: "09000000000"}
	late := domain.Person{ID: "P100", CreatedAt: day(5), UpdatedAt: day(5), Phone: "09000000000"}

	plan, err := r.Resolve(strongGroup(late, early))
	require.NoError(t, err)
	assert.Equal(t, "P900", plan.CanonicalID)
	assert.Equal(t, "earliest created_at", plan.Reason)
}

func TestLowestIDBreaksTies(t *testing.T) {
	r := New(nil, nil)
	canonical, losing, reason := r.SelectCanonical([]domain.Person{
		{ID: "P2", CreatedAt: day(1)},
		{ID: "P1", CreatedAt: day(1)},
	})
	assert.Equal(t, "P1", canonical.ID)
	assert.Len(t, losing, 1)
	assert.Equal(t, "lowest id", reason)
}

func TestFieldUpdates(t *testing.T) {
	r := New(nil, nil)
	canonical := domain.Person{
		ID:        "P001",
		Name:      "Yamada Taro",
		Sex:       "male",
		CreatedAt: day(1),
		UpdatedAt: day(3),
	}
	older := domain.Person{
		ID:        "tmp_1",
		Name:      "Yamada T.",
		NameKana:  "ヤマダ タロウ",
		Birthday:  "1990/4/1",
		CreatedAt: day(2),
		UpdatedAt: day(2),
		Extra:     map[string]string{"source": "sheet"},
	}
	newer := domain.Person{
		ID:        "tmp_2",
		Sex:       "M",
		Phone:     "090-1234-5678",
		CreatedAt: day(2),
		UpdatedAt: day(4),
	}

	plan, err := r.Resolve(strongGroup(newer, canonical, older))
	require.NoError(t, err)

	assert.Equal(t, "P001", plan.CanonicalID)
	assert.Equal(t, []string{"tmp_1", "tmp_2"}, plan.LosingIDs)
	assert.Equal(t, map[string]string{
		domain.FieldNameKana: "ヤマダ タロウ", // fill-empty
		domain.FieldBirthday: "1990-04-01",  // fill-empty, normalized
		domain.FieldSex:      "M",           // newer-wins
		domain.FieldPhone:    "09012345678", // fill-empty, normalized
		"extra.source":       "sheet",
	}, plan.FieldUpdates)
	assert.NotContains(t, plan.FieldUpdates, domain.FieldName, "older losing name must not override")

	rules := map[string]string{}
	for _, a := range plan.Adoptions {
		rules[a.Field] = a.Rule
	}
	assert.Equal(t, RuleNewerWins, rules[domain.FieldSex])
	assert.Equal(t, RuleFillEmpty, rules[domain.FieldNameKana])
}

func TestEqualUpdatedAtKeepsCanonical(t *testing.T) {
	r := New(nil, nil)
	canonical := domain.Person{ID: "P001", Name: "A", CreatedAt: day(1), UpdatedAt: day(5)}
	losing := domain.Person{ID: "P002", Name: "B", CreatedAt: day(2), UpdatedAt: day(5)}

	plan, err := r.Resolve(strongGroup(canonical, losing))
	require.NoError(t, err)
	assert.Empty(t, plan.FieldUpdates, "only a strictly later updated_at overrides")
}

func TestNormalizationOnlyUpdate(t *testing.T) {
	r := New(nil, nil)
	canonical := domain.Person{ID: "P001", Phone: "090-1111-2222", CreatedAt: day(1), UpdatedAt: day(1)}
	losing := domain.Person{ID: "tmp_1", Phone: "09011112222", CreatedAt: day(2), UpdatedAt: day(2)}

	plan, err := r.Resolve(strongGroup(canonical, losing))
	require.NoError(t, err)
	assert.Equal(t, "09011112222", plan.FieldUpdates[domain.FieldPhone])
	require.Len(t, plan.Adoptions, 1)
	assert.Equal(t, RuleNormalize, plan.Adoptions[0].Rule)
}

func TestWeakGroupRejected(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Resolve(domain.Group{
		Confidence: domain.ConfidenceWeak,
		Members:    []domain.Person{{ID: "tmp_1", Name: "Sato"}, {ID: "P1", Name: "Sato"}},
	})
	var amb *domain.MatchAmbiguity
	require.True(t, errors.As(err, &amb))
	assert.Equal(t, "Sato", amb.Name)
}

func TestResolveAllDeterministic(t *testing.T) {
	var people []domain.Person
	for i := 0; i < 40; i++ {
		phone := fmt.Sprintf("090%08d", i/2)
		people = append(people, domain.Person{
			ID:        fmt.Sprintf("tmp_%03d", i),
			Name:      fmt.Sprintf("Person %d", i),
			Phone:     phone,
			CreatedAt: day(1 + i%7),
			UpdatedAt: day(1 + i%11),
		})
	}
	groups := match.New(nil, nil).Match(people).Strong
	require.Len(t, groups, 20)

	serial, err := New(nil, nil, WithJobs(1)).ResolveAll(context.Background(), groups)
	require.NoError(t, err)
	parallel, err := New(nil, nil, WithJobs(8)).ResolveAll(context.Background(), groups)
	require.NoError(t, err)

	a, _ := json.Marshal(serial)
	b, _ := json.Marshal(parallel)
	assert.Equal(t, string(a), string(b))

	for i := 1; i < len(serial); i++ {
		assert.Less(t, serial[i-1].CanonicalID, serial[i].CanonicalID)
	}
}

func TestResolveAllSkipsWeak(t *testing.T) {
	plans, err := New(nil, nil).ResolveAll(context.Background(), []domain.Group{
		{Confidence: domain.ConfidenceWeak, Members: []domain.Person{{ID: "tmp_1"}, {ID: "P1"}}},
	})
	require.NoError(t, err)
	assert.Empty(t, plans)
}

func TestResolveAllStopsOnCancel(t *testing.T) {
	groups := match.New(nil, nil).Match([]domain.Person{
		{ID: "P1", Phone: "09011112222"},
		{ID: "tmp_1", Phone: "090-1111-2222"},
	}).Strong
	require.Len(t, groups, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plans, err := New(nil, nil, WithProgress(true)).ResolveAll(ctx, groups)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, plans)

	plans, err = New(nil, nil, WithProgress(true)).ResolveAll(context.Background(), groups)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "P1", plans[0].CanonicalID)
}
