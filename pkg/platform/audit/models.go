package audit

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Kind classifies audit events by the shape of their payload.
// The kind decides which fields are required and which ingestion endpoint
// a remote transport posts to.
type Kind string

const (
	// KindDataAccess records a read of personal data.
	KindDataAccess Kind = "dataAccess"

	// KindDataModification records a change of personal data, with old and new values.
	KindDataModification Kind = "dataModification"

	// KindConfigChange records a change of a configuration object.
	KindConfigChange Kind = "configChange"

	// KindSecurity records a security-relevant action (login failures, permission changes).
	KindSecurity Kind = "security"

	// KindCustom is the free-form path used by legacy log(name, payload) callers.
	KindCustom Kind = "custom"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindDataAccess, KindDataModification, KindConfigChange, KindSecurity, KindCustom:
		return true
	}
	return false
}

// KeyValue is one component of a composite identifier.
type KeyValue struct {
	KeyName string `json:"keyName"`
	Value   string `json:"value"`
}

// DataObject identifies the affected resource.
type DataObject struct {
	Type string     `json:"type"`
	ID   []KeyValue `json:"id"`
}

// DataSubject identifies the person whose data is affected.
type DataSubject struct {
	Type string     `json:"type"`
	Role string     `json:"role"`
	ID   []KeyValue `json:"id"`
}

// Attribute is field-level detail. OldValue and NewValue are nil when absent,
// which keeps "not reported" distinct from "reported as empty".
type Attribute struct {
	Name     string  `json:"name"`
	OldValue *string `json:"oldValue,omitempty"`
	NewValue *string `json:"newValue,omitempty"`
}

// Event is the canonical audit record, built by the constructors in builder.go.
// The nested object, subject, attributes and extra payload are copied at build
// time and accessors hand out copies, so a transport cannot alter what a retry
// resends. The exported scalar fields are plain values; callers that assign
// them change only their own copy of the Event.
type Event struct {
	ID        string
	Kind      Kind
	Name      string
	User      string
	Tenant    string
	Timestamp time.Time

	dataObject  *DataObject
	dataSubject *DataSubject
	attributes  []Attribute

	Action string
	Data   string

	extra map[string]any
}

// DataObject returns a copy of the affected resource, or nil.
func (e Event) DataObject() *DataObject {
	if e.dataObject == nil {
		return nil
	}
	o := cloneObject(*e.dataObject)
	return &o
}

// DataSubject returns a copy of the affected data subject, or nil.
func (e Event) DataSubject() *DataSubject {
	if e.dataSubject == nil {
		return nil
	}
	s := cloneSubject(*e.dataSubject)
	return &s
}

// Attributes returns a copy of the attribute list.
func (e Event) Attributes() []Attribute {
	return cloneAttributes(e.attributes)
}

// Extra returns a copy of the custom payload keys carried at the top level of the wire object.
func (e Event) Extra() map[string]any {
	return maps.Clone(e.extra)
}

// wireEvent is the JSON shape delivered to every transport.
type wireEvent struct {
	ID          string       `json:"id,omitempty"`
	Time        string       `json:"time,omitempty"`
	User        string       `json:"user"`
	Tenant      string       `json:"tenant,omitempty"`
	DataObject  *DataObject  `json:"dataObject,omitempty"`
	DataSubject *DataSubject `json:"dataSubject,omitempty"`
	Attributes  []Attribute  `json:"attributes,omitempty"`
	Action      string       `json:"action,omitempty"`
	Data        string       `json:"data,omitempty"`
}

// MarshalJSON renders the wire shape. Custom extra keys are written first and
// the canonical fields override them, so a payload cannot spoof "user".
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:          e.ID,
		User:        e.User,
		Tenant:      e.Tenant,
		DataObject:  e.dataObject,
		DataSubject: e.dataSubject,
		Attributes:  e.attributes,
		Action:      e.Action,
		Data:        e.Data,
	}
	if !e.Timestamp.IsZero() {
		w.Time = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if len(e.extra) == 0 {
		return json.Marshal(w)
	}

	canonical, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any, len(e.extra)+8)
	for k, v := range e.extra {
		fields[k] = v
	}
	var known map[string]json.RawMessage
	if err := json.Unmarshal(canonical, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// UnmarshalJSON parses the wire shape back into an Event. Kind and Name are not
// part of the wire object and stay empty; unknown keys land in Extra.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	*e = Event{
		ID:          w.ID,
		User:        w.User,
		Tenant:      w.Tenant,
		dataObject:  w.DataObject,
		dataSubject: w.DataSubject,
		attributes:  w.Attributes,
		Action:      w.Action,
		Data:        w.Data,
	}
	if w.Time != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Time)
		if err != nil {
			return err
		}
		e.Timestamp = ts
	}
	for k, raw := range all {
		if slices.Contains(wireKeys, k) {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if e.extra == nil {
			e.extra = make(map[string]any)
		}
		e.extra[k] = v
	}
	return nil
}

var wireKeys = []string{"id", "time", "user", "tenant", "dataObject", "dataSubject", "attributes", "action", "data"}

func cloneKeys(ids []KeyValue) []KeyValue {
	if ids == nil {
		return nil
	}
	return slices.Clone(ids)
}

func cloneObject(o DataObject) DataObject {
	return DataObject{Type: o.Type, ID: cloneKeys(o.ID)}
}

func cloneSubject(s DataSubject) DataSubject {
	return DataSubject{Type: s.Type, Role: s.Role, ID: cloneKeys(s.ID)}
}

func cloneAttributes(attrs []Attribute) []Attribute {
	if attrs == nil {
		return nil
	}
	out := make([]Attribute, len(attrs))
	for i, a := range attrs {
		out[i] = Attribute{Name: a.Name, OldValue: cloneString(a.OldValue), NewValue: cloneString(a.NewValue)}
	}
	return out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Ptr returns a pointer to s. It keeps attribute literals short:
//
//	audit.Attribute{Name: "email", OldValue: audit.Ptr("a@x"), NewValue: audit.Ptr("b@x")}
func Ptr(s string) *string { return &s }
