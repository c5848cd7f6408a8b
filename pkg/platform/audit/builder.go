package audit

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Defaults supplies the values an intent does not carry itself. The gateway
// fills User and Tenant from the request principal; Now and NewID default to
// time.Now and uuid.NewString.
type Defaults struct {
	Now    time.Time
	User   string
	Tenant string
	NewID  func() string
}

func (d Defaults) now() time.Time {
	if d.Now.IsZero() {
		return time.Now()
	}
	return d.Now
}

func (d Defaults) id() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return uuid.NewString()
}

func pick(own, fallback string) string {
	if own != "" {
		return own
	}
	return fallback
}

// Intent is an audit call shape that can be validated into an Event.
type Intent interface {
	Build(d Defaults) (Event, error)
}

// DataAccess is a read of personal data. Attributes carry names only.
type DataAccess struct {
	User       string
	Tenant     string
	Object     DataObject
	Subject    DataSubject
	Attributes []Attribute
}

// Build validates the intent into a dataAccess Event.
func (i DataAccess) Build(d Defaults) (Event, error) {
	v := newValidator(KindDataAccess)
	user := pick(i.User, d.User)
	v.require(user != "", "user")
	v.object(i.Object)
	v.subject(i.Subject)
	for n, a := range i.Attributes {
		v.require(a.Name != "", fmt.Sprintf("attributes[%d].name", n))
		v.require(a.OldValue == nil && a.NewValue == nil, fmt.Sprintf("attributes[%d]: values not allowed for data access", n))
	}
	if err := v.err(); err != nil {
		return Event{}, err
	}

	obj := cloneObject(i.Object)
	subj := cloneSubject(i.Subject)
	return Event{
		ID:          d.id(),
		Kind:        KindDataAccess,
		Name:        "DataAccess",
		User:        user,
		Tenant:      pick(i.Tenant, d.Tenant),
		Timestamp:   d.now(),
		dataObject:  &obj,
		dataSubject: &subj,
		attributes:  cloneAttributes(i.Attributes),
	}, nil
}

// DataModification is a change of personal data. Every attribute carries both values.
type DataModification struct {
	User       string
	Tenant     string
	Object     DataObject
	Subject    DataSubject
	Attributes []Attribute
}

// Build validates the intent into a dataModification Event.
func (i DataModification) Build(d Defaults) (Event, error) {
	v := newValidator(KindDataModification)
	user := pick(i.User, d.User)
	v.require(user != "", "user")
	v.object(i.Object)
	v.subject(i.Subject)
	v.changedAttributes(i.Attributes)
	if err := v.err(); err != nil {
		return Event{}, err
	}

	obj := cloneObject(i.Object)
	subj := cloneSubject(i.Subject)
	return Event{
		ID:          d.id(),
		Kind:        KindDataModification,
		Name:        "DataModification",
		User:        user,
		Tenant:      pick(i.Tenant, d.Tenant),
		Timestamp:   d.now(),
		dataObject:  &obj,
		dataSubject: &subj,
		attributes:  cloneAttributes(i.Attributes),
	}, nil
}

// ConfigChange is a change of a configuration object. There is no data subject.
type ConfigChange struct {
	User       string
	Tenant     string
	Object     DataObject
	Attributes []Attribute
}

// Build validates the intent into a configChange Event.
func (i ConfigChange) Build(d Defaults) (Event, error) {
	v := newValidator(KindConfigChange)
	user := pick(i.User, d.User)
	v.require(user != "", "user")
	v.object(i.Object)
	v.changedAttributes(i.Attributes)
	if err := v.err(); err != nil {
		return Event{}, err
	}

	obj := cloneObject(i.Object)
	return Event{
		ID:         d.id(),
		Kind:       KindConfigChange,
		Name:       "ConfigChange",
		User:       user,
		Tenant:     pick(i.Tenant, d.Tenant),
		Timestamp:  d.now(),
		dataObject: &obj,
		attributes: cloneAttributes(i.Attributes),
	}, nil
}

// Security is a security-relevant action.
type Security struct {
	User   string
	Tenant string
	Action string
	Data   string
}

// Build validates the intent into a security Event.
func (i Security) Build(d Defaults) (Event, error) {
	v := newValidator(KindSecurity)
	user := pick(i.User, d.User)
	v.require(user != "", "user")
	v.require(i.Action != "", "action")
	if err := v.err(); err != nil {
		return Event{}, err
	}
	return Event{
		ID:        d.id(),
		Kind:      KindSecurity,
		Name:      "SecurityEvent",
		User:      user,
		Tenant:    pick(i.Tenant, d.Tenant),
		Timestamp: d.now(),
		Action:    i.Action,
		Data:      i.Data,
	}, nil
}

// Custom is the legacy free-form shape: an event name and an arbitrary payload.
// "action" and "data" are lifted into the canonical fields, "user" and "tenant"
// act as fallbacks, and every other key is carried through untouched.
type Custom struct {
	Name    string
	User    string
	Tenant  string
	Payload map[string]any
}

// Build turns the payload into a custom Event. Only the user is required.
func (i Custom) Build(d Defaults) (Event, error) {
	extra := maps.Clone(i.Payload)
	take := func(key string) string {
		raw, ok := extra[key]
		if !ok {
			return ""
		}
		s, ok := raw.(string)
		if !ok {
			return ""
		}
		delete(extra, key)
		return s
	}

	user := pick(i.User, pick(take("user"), d.User))
	tenant := pick(i.Tenant, pick(take("tenant"), d.Tenant))
	action := take("action")
	data := take("data")
	if raw, ok := extra["data"]; ok {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return Event{}, &MalformedEventError{Kind: KindCustom, Fields: []string{"data"}}
		}
		data = string(encoded)
		delete(extra, "data")
	}

	if user == "" {
		return Event{}, &MalformedEventError{Kind: KindCustom, Fields: []string{"user"}}
	}
	if len(extra) == 0 {
		extra = nil
	}
	return Event{
		ID:        d.id(),
		Kind:      KindCustom,
		Name:      pick(i.Name, "Custom"),
		User:      user,
		Tenant:    tenant,
		Timestamp: d.now(),
		Action:    action,
		Data:      data,
		extra:     extra,
	}, nil
}

// NewDataAccess builds a dataAccess Event stamped with the current time.
func NewDataAccess(user, tenant string, object DataObject, subject DataSubject, attrs []Attribute) (Event, error) {
	return DataAccess{User: user, Tenant: tenant, Object: object, Subject: subject, Attributes: attrs}.Build(Defaults{})
}

// NewDataModification builds a dataModification Event stamped with the current time.
func NewDataModification(user, tenant string, object DataObject, subject DataSubject, attrs []Attribute) (Event, error) {
	return DataModification{User: user, Tenant: tenant, Object: object, Subject: subject, Attributes: attrs}.Build(Defaults{})
}

// NewConfigChange builds a configChange Event stamped with the current time.
func NewConfigChange(user, tenant string, object DataObject, attrs []Attribute) (Event, error) {
	return ConfigChange{User: user, Tenant: tenant, Object: object, Attributes: attrs}.Build(Defaults{})
}

// NewSecurity builds a security Event stamped with the current time.
func NewSecurity(user, tenant, action, data string) (Event, error) {
	return Security{User: user, Tenant: tenant, Action: action, Data: data}.Build(Defaults{})
}

// NewCustom builds a custom Event from a legacy payload.
func NewCustom(name, user, tenant string, payload map[string]any) (Event, error) {
	return Custom{Name: name, User: user, Tenant: tenant, Payload: payload}.Build(Defaults{})
}

// validator collects every missing or invalid field so callers see the full
// list in a single error.
type validator struct {
	kind   Kind
	fields []string
}

func newValidator(kind Kind) *validator {
	return &validator{kind: kind}
}

func (v *validator) require(ok bool, field string) {
	if !ok {
		v.fields = append(v.fields, field)
	}
}

func (v *validator) keys(prefix string, ids []KeyValue) {
	v.require(len(ids) > 0, prefix+".id")
	for n, kv := range ids {
		v.require(kv.KeyName != "", fmt.Sprintf("%s.id[%d].keyName", prefix, n))
	}
}

func (v *validator) object(o DataObject) {
	v.require(o.Type != "", "dataObject.type")
	v.keys("dataObject", o.ID)
}

func (v *validator) subject(s DataSubject) {
	v.require(s.Type != "", "dataSubject.type")
	v.keys("dataSubject", s.ID)
}

func (v *validator) changedAttributes(attrs []Attribute) {
	v.require(len(attrs) > 0, "attributes")
	for n, a := range attrs {
		v.require(a.Name != "", fmt.Sprintf("attributes[%d].name", n))
		v.require(a.OldValue != nil, fmt.Sprintf("attributes[%d].oldValue", n))
		v.require(a.NewValue != nil, fmt.Sprintf("attributes[%d].newValue", n))
	}
}

func (v *validator) err() error {
	if len(v.fields) == 0 {
		return nil
	}
	return &MalformedEventError{Kind: v.kind, Fields: v.fields}
}
