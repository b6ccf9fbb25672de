package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Confidence tags how a duplicate group was detected
type Confidence string

const (
	ConfidenceStrong Confidence = "strong"
	ConfidenceWeak   Confidence = "weak"
)

// Signal names the identifier that linked two records
type Signal string

const (
	SignalMessagingID Signal = "messaging_user_id"
	SignalPhone       Signal = "phone"
	SignalName        Signal = "name"
)

// PersonState is the lifecycle state of a Person record
type PersonState string

const (
	StatePlaceholder PersonState = "placeholder"
	StateVerified    PersonState = "verified"
	StateCanonical   PersonState = "canonical"
	StateMerged      PersonState = "merged"
)

// Person field names as used in field updates and adoptions.
// Extra attributes are addressed as "extra.<key>".
const (
	FieldName            = "name"
	FieldNameKana        = "name_kana"
	FieldSex             = "sex"
	FieldBirthday        = "birthday"
	FieldPhone           = "phone"
	FieldMessagingUserID = "messaging_user_id"

	ExtraFieldPrefix = "extra."
)

// CoreFields lists the typed Person attributes merge logic resolves, in
// resolution order.
var CoreFields = []string{
	FieldName,
	FieldNameKana,
	FieldSex,
	FieldBirthday,
	FieldPhone,
	FieldMessagingUserID,
}

// Person is the identity record shared by every intake path
type Person struct {
	ID              string            `json:"id" yaml:"id" db:"id"`
	Name            string            `json:"name" yaml:"name" db:"name"`
	NameKana        string            `json:"name_kana" yaml:"name_kana" db:"name_kana"`
	Sex             string            `json:"sex" yaml:"sex" db:"sex"`
	Birthday        string            `json:"birthday" yaml:"birthday" db:"birthday"` // 2006-01-02
	Phone           string            `json:"phone" yaml:"phone" db:"phone"`          // normalized digits
	MessagingUserID string            `json:"messaging_user_id" yaml:"messaging_user_id" db:"messaging_user_id"`
	CreatedAt       time.Time         `json:"created_at" yaml:"created_at" db:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at" yaml:"updated_at" db:"updated_at"`
	Extra           map[string]string `json:"extra,omitempty" yaml:"extra,omitempty" db:"extra"` // JSON object
}

// Field returns the value of a core field or an "extra.<key>" attribute.
// The boolean is false for unknown field names.
func (p *Person) Field(name string) (string, bool) {
	switch name {
	case FieldName:
		return p.Name, true
	case FieldNameKana:
		return p.NameKana, true
	case FieldSex:
		return p.Sex, true
	case FieldBirthday:
		return p.Birthday, true
	case FieldPhone:
		return p.Phone, true
	case FieldMessagingUserID:
		return p.MessagingUserID, true
	}
	if key, ok := strings.CutPrefix(name, ExtraFieldPrefix); ok && key != "" {
		return p.Extra[key], true
	}
	return "", false
}

// SetField sets a core field or an "extra.<key>" attribute.
func (p *Person) SetField(name, value string) bool {
	switch name {
	case FieldName:
		p.Name = value
	case FieldNameKana:
		p.NameKana = value
	case FieldSex:
		p.Sex = value
	case FieldBirthday:
		p.Birthday = value
	case FieldPhone:
		p.Phone = value
	case FieldMessagingUserID:
		p.MessagingUserID = value
	default:
		key, ok := strings.CutPrefix(name, ExtraFieldPrefix)
		if !ok || key == "" {
			return false
		}
		if p.Extra == nil {
			p.Extra = map[string]string{}
		}
		p.Extra[key] = value
	}
	return true
}

// FieldNames returns the core fields followed by the sorted extra keys
func (p *Person) FieldNames() []string {
	names := append([]string{}, CoreFields...)
	keys := make([]string, 0, len(p.Extra))
	for k := range p.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		names = append(names, ExtraFieldPrefix+k)
	}
	return names
}

// ExtraJSON encodes the extra attributes for storage
func (p *Person) ExtraJSON() (string, error) {
	if len(p.Extra) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(p.Extra)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetExtraJSON decodes stored extra attributes. Non-string JSON values are
// kept in their JSON text form.
func (p *Person) SetExtraJSON(raw string) error {
	p.Extra = nil
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var values map[string]any
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	p.Extra = make(map[string]string, len(values))
	for k, v := range values {
		switch tv := v.(type) {
		case string:
			p.Extra[k] = tv
		case nil:
			p.Extra[k] = ""
		default:
			data, _ := json.Marshal(tv)
			p.Extra[k] = string(data)
		}
	}
	return nil
}

// DependentTable describes a table whose rows reference a Person by id
type DependentTable struct {
	Name         string   `json:"name" yaml:"name"`
	IDColumn     string   `json:"id_column" yaml:"id_column"`
	PersonColumn string   `json:"person_column" yaml:"person_column"`
	UniqueKeys   []string `json:"unique_keys,omitempty" yaml:"unique_keys,omitempty"` // unique together with PersonColumn
}

// DefaultDependentTables is the fixed processing order used when the
// configuration does not name its own.
func DefaultDependentTables() []DependentTable {
	return []DependentTable{
		{Name: "appointments", IDColumn: "id", PersonColumn: "person_id"},
		{Name: "orders", IDColumn: "id", PersonColumn: "person_id"},
		{Name: "messages", IDColumn: "id", PersonColumn: "person_id"},
		{Name: "tag_assignments", IDColumn: "id", PersonColumn: "person_id", UniqueKeys: []string{"tag_id"}},
		{Name: "form_responses", IDColumn: "id", PersonColumn: "person_id", UniqueKeys: []string{"form_id"}},
	}
}

// DependentRow is one row of a dependent table, reduced to what merging needs
type DependentRow struct {
	ID       string   `json:"id"`
	PersonID string   `json:"person_id"`
	Key      []string `json:"key,omitempty"` // values of the table's UniqueKeys
	NullKey  bool     `json:"null_key,omitempty"`
}

// Collides reports whether the row takes part in unique-key checks. A key
// with a NULL component never equals another key, as in SQL unique indexes.
func (r DependentRow) Collides() bool {
	return len(r.Key) > 0 && !r.NullKey
}

// KeyString joins the unique key values for map lookups
func (r DependentRow) KeyString() string {
	return strings.Join(r.Key, "\x1f")
}

// Group is a set of Person records believed to be the same person
type Group struct {
	Confidence Confidence `json:"confidence"`
	Signals    []Signal   `json:"signals"`
	Members    []Person   `json:"members"`
}

// IDs returns the member ids in member order
func (g Group) IDs() []string {
	ids := make([]string, len(g.Members))
	for i, m := range g.Members {
		ids[i] = m.ID
	}
	return ids
}

// FieldAdoption records one field value taken from a losing record
type FieldAdoption struct {
	Field string `json:"field"`
	From  string `json:"from"`
	Old   string `json:"old"`
	New   string `json:"new"`
	Rule  string `json:"rule"` // fill-empty, newer-wins
}

// MergePlan is the computed, not yet applied, description of a merge
type MergePlan struct {
	Key          string            `json:"key"`
	Confidence   Confidence        `json:"confidence"`
	Signals      []Signal          `json:"signals"`
	CanonicalID  string            `json:"canonical_id"`
	LosingIDs    []string          `json:"losing_ids"`
	FieldUpdates map[string]string `json:"field_updates"`
	Adoptions    []FieldAdoption   `json:"adoptions,omitempty"`
	Reason       string            `json:"reason"`
}

// ComputeKey derives the stable plan key from the plan contents.
// encoding/json sorts map keys, so equal plans hash equally.
func (p *MergePlan) ComputeKey() string {
	clone := *p
	clone.Key = ""
	data, _ := json.Marshal(clone)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

// EffectKind names one idempotent step of a merge
type EffectKind string

const (
	EffectUpdatePerson    EffectKind = "update-person"
	EffectRepoint         EffectKind = "repoint"
	EffectDeleteDuplicate EffectKind = "delete-duplicate"
	EffectDeletePerson    EffectKind = "delete-person"
)

// Effect is one step of an executor run
type Effect struct {
	Kind        EffectKind        `json:"kind"`
	PlanKey     string            `json:"plan_key"`
	CanonicalID string            `json:"canonical_id"`
	PersonID    string            `json:"person_id"` // losing id; canonical id for update-person
	Table       string            `json:"table,omitempty"`
	RowIDs      []string          `json:"row_ids,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// Event is one entry in the merge audit log
type Event struct {
	ID        int64     `json:"id" db:"id"`
	RunID     string    `json:"run_id" db:"run_id"`
	PlanKey   string    `json:"plan_key" db:"plan_key"`
	EventType string    `json:"event_type" db:"event_type"`
	PersonID  string    `json:"person_id" db:"person_id"`
	Payload   *string   `json:"payload,omitempty" db:"payload"` // JSON
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
