package catalog

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
)

// ConflictPolicy decides what RegisterPerson does when the person_id is
// already registered.
type ConflictPolicy string

const (
	// PolicyKeep returns the existing label untouched.
	PolicyKeep ConflictPolicy = "keep"
	// PolicyRename registers the new record under a suffixed person_id.
	PolicyRename ConflictPolicy = "rename"
	// PolicyReplace overwrites the existing record in place.
	PolicyReplace ConflictPolicy = "replace"
)

// ParseConflictPolicy parses a policy name. The empty string means PolicyKeep.
func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	switch p := ConflictPolicy(s); p {
	case "":
		return PolicyKeep, nil
	case PolicyKeep, PolicyRename, PolicyReplace:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// PersonRecord is the identity stored for a label.
type PersonRecord struct {
	PersonID string  `json:"person_id"`
	Name     *string `json:"name"`
}

// DisplayName returns the name, falling back to the person_id.
func (p PersonRecord) DisplayName() string {
	if p.Name != nil && *p.Name != "" {
		return *p.Name
	}
	return p.PersonID
}

// Person is a registry entry together with its label and vector count.
type Person struct {
	Label    Label   `json:"label"`
	PersonID string  `json:"person_id"`
	Name     *string `json:"name"`
	Vectors  int     `json:"vectors"`
}

// Registry maps labels to person records. It is not safe for concurrent use.
type Registry struct {
	records map[Label]PersonRecord
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[Label]PersonRecord)}
}

// Len returns the number of registered persons.
func (r *Registry) Len() int {
	return len(r.records)
}

// NextLabel returns one past the highest registered label, or 0 when empty.
func (r *Registry) NextLabel() Label {
	if len(r.records) == 0 {
		return 0
	}
	return slices.Max(slices.Collect(maps.Keys(r.records))) + 1
}

// RegisterPerson stores a record for personID under label and returns the
// label that holds the record afterwards. An empty name is stored as null.
// A record already stored under label is overwritten.
func (r *Registry) RegisterPerson(label Label, personID, name string, policy ConflictPolicy) Label {
	rec := PersonRecord{PersonID: personID}
	if name != "" {
		rec.Name = &name
	}

	if existing, ok := r.LabelOf(personID); ok {
		switch policy {
		case PolicyRename:
			rec.PersonID = r.uniqueID(personID + "_new")
		case PolicyReplace:
			r.records[existing] = rec
			return existing
		default:
			return existing
		}
	}
	r.records[label] = rec
	return label
}

// uniqueID returns base, or base with the smallest numeric suffix starting at
// 2 that no registered person uses.
func (r *Registry) uniqueID(base string) string {
	if _, taken := r.LabelOf(base); !taken {
		return base
	}
	for n := 2; ; n++ {
		candidate := base + strconv.Itoa(n)
		if _, taken := r.LabelOf(candidate); !taken {
			return candidate
		}
	}
}

// RemovePerson deletes every record with personID and returns their labels in
// ascending order.
func (r *Registry) RemovePerson(personID string) []Label {
	var removed []Label
	for label, rec := range r.records {
		if rec.PersonID == personID {
			removed = append(removed, label)
		}
	}
	for _, label := range removed {
		delete(r.records, label)
	}
	slices.Sort(removed)
	return removed
}

// Lookup returns the record for label.
func (r *Registry) Lookup(label Label) (PersonRecord, bool) {
	rec, ok := r.records[label]
	return rec, ok
}

// LabelOf returns the lowest label registered for personID.
func (r *Registry) LabelOf(personID string) (Label, bool) {
	found := false
	var best Label
	for label, rec := range r.records {
		if rec.PersonID == personID && (!found || label < best) {
			best, found = label, true
		}
	}
	return best, found
}

// FindByName matches name against person ids and display names, ignoring
// case, diacritics and separators. Exact person_id matches win.
func (r *Registry) FindByName(name string) (Label, bool) {
	if label, ok := r.LabelOf(name); ok {
		return label, true
	}
	want := NormalizePersonName(name)
	if want == "" {
		return 0, false
	}
	for _, p := range r.Records() {
		if NormalizePersonName(p.PersonID) == want {
			return p.Label, true
		}
		if p.Name != nil && NormalizePersonName(*p.Name) == want {
			return p.Label, true
		}
	}
	return 0, false
}

// Records returns all entries ordered by label. Vector counts are zero.
func (r *Registry) Records() []Person {
	out := make([]Person, 0, len(r.records))
	for _, label := range slices.Sorted(maps.Keys(r.records)) {
		rec := r.records[label]
		out = append(out, Person{Label: label, PersonID: rec.PersonID, Name: rec.Name})
	}
	return out
}

// MarshalJSON encodes the registry as an object keyed by decimal label.
func (r *Registry) MarshalJSON() ([]byte, error) {
	out := make(map[string]PersonRecord, len(r.records))
	for label, rec := range r.records {
		out[strconv.Itoa(int(label))] = rec
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes an object keyed by decimal label.
func (r *Registry) UnmarshalJSON(data []byte) error {
	var raw map[string]PersonRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	records := make(map[Label]PersonRecord, len(raw))
	for key, rec := range raw {
		n, err := strconv.ParseInt(key, 10, 32)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid label key %q", key)
		}
		records[Label(n)] = rec
	}
	r.records = records
	return nil
}
