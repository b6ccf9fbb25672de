package match

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/clinicsync/internal/domain"
)

var day1 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func person(id, name, phone, msg string) domain.Person {
	return domain.Person{ID: id, Name: name, Phone: phone, MessagingUserID: msg, CreatedAt: day1, UpdatedAt: day1}
}

func TestMatchStrongByMessagingID(t *testing.T) {
	m := New(nil, nil)
	res := m.Match([]domain.Person{
		person("tmp_a", "", "", "U1"),
		person("P002", "Taro", "09011112222", "U1"),
		person("P003", "Hanako", "", "U2"),
	})

	require.Len(t, res.Strong, 1)
	g := res.Strong[0]
	assert.Equal(t, domain.ConfidenceStrong, g.Confidence)
	assert.Equal(t, []string{"P002", "tmp_a"}, g.IDs())
	assert.Equal(t, []domain.Signal{domain.SignalMessagingID}, g.Signals)
	assert.Empty(t, res.Weak)
	assert.Equal(t, 3, res.Scanned)
}

func TestMatchStrongByNormalizedPhone(t *testing.T) {
	m := New(nil, nil)
	res := m.Match([]domain.Person{
		person("P001", "A", "090-1111-2222", ""),
		person("P002", "B", "+81 90 1111 2222", ""),
		person("P003", "C", "", ""),
	})

	require.Len(t, res.Strong, 1)
	assert.Equal(t, []string{"P001", "P002"}, res.Strong[0].IDs())
	assert.Equal(t, []domain.Signal{domain.SignalPhone}, res.Strong[0].Signals)
}

func TestMatchTransitiveClosure(t *testing.T) {
	m := New(nil, nil)
	// A-B share a phone, B-C share a messaging id, A and C share nothing
	res := m.Match([]domain.Person{
		person("c", "", "", "U9"),
		person("a", "", "09000000001", ""),
		person("b", "", "09000000001", "U9"),
		person("d", "", "09000000002", ""),
	})

	require.Len(t, res.Strong, 1)
	assert.Equal(t, []string{"a", "b", "c"}, res.Strong[0].IDs())
	assert.ElementsMatch(t, []domain.Signal{domain.SignalMessagingID, domain.SignalPhone}, res.Strong[0].Signals)
}

func TestMatchIgnoresEmptyIdentifiers(t *testing.T) {
	m := New(nil, nil)
	res := m.Match([]domain.Person{
		person("P001", "A", "", ""),
		person("P002", "B", "  ", " "),
		person("P003", "C", "n/a", ""),
	})
	assert.Empty(t, res.Strong)
}

func TestMatchIgnoresPhonesTooShortToIdentify(t *testing.T) {
	m := New(nil, nil)
	res := m.Match([]domain.Person{
		person("P001", "A", "000000", ""),
		person("P002", "B", "00-0000-0000", ""),
		person("P003", "C", "12345", ""),
		person("P004", "D", "1-2345", ""),
	})
	assert.Empty(t, res.Strong)
	assert.Empty(t, res.Weak)

	assert.Equal(t, domain.StatePlaceholder, m.State(person("tmp_1", "", "000000", "")))
}

func TestMatchWeakByName(t *testing.T) {
	m := New(nil, nil)
	res := m.Match([]domain.Person{
		person("tmp_1", "山田　太郎", "", ""),
		person("P100", "山田 太郎", "09011112222", ""),
		person("P200", "Other", "", ""),
	})

	assert.Empty(t, res.Strong)
	require.Len(t, res.Weak, 1)
	assert.Equal(t, domain.ConfidenceWeak, res.Weak[0].Confidence)
	assert.Equal(t, []string{"P100", "tmp_1"}, res.Weak[0].IDs())

	amb := res.Ambiguities()
	require.Len(t, amb, 1)
	assert.Equal(t, []string{"P100", "tmp_1"}, amb[0].IDs)
}

func TestMatchWeakRequiresPlaceholder(t *testing.T) {
	m := New(nil, nil)
	res := m.Match([]domain.Person{
		person("P100", "Sato", "", ""),
		person("P200", "Sato", "", ""),
	})
	assert.Empty(t, res.Weak, "two authoritative records never form a weak group")
}

func TestMatchWeakRejectsConflictingStrongSignal(t *testing.T) {
	m := New(nil, nil)
	res := m.Match([]domain.Person{
		person("tmp_1", "Sato", "", ""),
		person("P100", "Sato", "09011110000", ""),
		person("P200", "Sato", "09022220000", ""),
	})
	assert.Empty(t, res.Weak)

	res = m.Match([]domain.Person{
		person("tmp_1", "Sato", "", "U1"),
		person("tmp_2", "Sato", "", "U2"),
	})
	assert.Empty(t, res.Weak)
}

func TestMatchWeakExcludesStrongMembers(t *testing.T) {
	m := New(nil, nil)
	res := m.Match([]domain.Person{
		person("tmp_1", "Sato", "", "U1"),
		person("P100", "Sato", "", "U1"),
		person("tmp_2", "Sato", "", ""),
	})
	require.Len(t, res.Strong, 1)
	assert.Empty(t, res.Weak)
}

func TestMatchDeterministic(t *testing.T) {
	m := New(nil, nil)
	in := []domain.Person{
		person("z", "", "09000000009", ""),
		person("y", "", "09000000009", ""),
		person("b", "", "", "U1"),
		person("a", "", "", "U1"),
	}
	reversed := []domain.Person{in[3], in[2], in[1], in[0]}

	first := m.Match(in)
	second := m.Match(reversed)
	assert.Equal(t, first, second)
	require.Len(t, first.Strong, 2)
	assert.Equal(t, "a", first.Strong[0].Members[0].ID)
	assert.Equal(t, "y", first.Strong[1].Members[0].ID)
}

func TestState(t *testing.T) {
	m := New(nil, nil)
	assert.Equal(t, domain.StatePlaceholder, m.State(person("tmp_1", "", "", "U1")))
	assert.Equal(t, domain.StateVerified, m.State(person("tmp_1", "", "09011112222", "")))
	assert.Equal(t, domain.StateVerified, m.State(person("P001", "", "", "")))
}
