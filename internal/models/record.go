package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Record is a replicated row. Code, Serial, Scope and Period are common to
// every kind; the kind-specific fields live in Body.
type Record struct {
	Kind   Kind
	Code   string
	Serial int64
	Scope  string
	Period string
	Body   Body
}

// Body is the typed payload of a record. The set of implementations is closed.
type Body interface {
	Kind() Kind
	// Refs returns pointers to every field holding another record's code, so
	// callers can both read and rewrite references.
	Refs() []*string
	Validate() error
	clone() Body
}

// Base is an organizational unit. The unit whose Parent is its own code is the
// global root.
type Base struct {
	Identifier string    `json:"identifier" yaml:"identifier"`
	Parent     string    `json:"parent" yaml:"parent"`
	FullName   string    `json:"full_name,omitempty" yaml:"full_name,omitempty"`
	OpenedDate time.Time `json:"opened_date,omitzero" yaml:"opened_date,omitempty"`
	ClosedDate time.Time `json:"closed_date,omitzero" yaml:"closed_date,omitempty"`
	Country    string    `json:"country,omitempty" yaml:"country,omitempty"`
	TimeZone   string    `json:"time_zone,omitempty" yaml:"time_zone,omitempty"`
}

// User is a login account. PasswordHash holds a salted digest, never the password.
type User struct {
	Login        string    `json:"login" yaml:"login"`
	PasswordHash string    `json:"password_hash,omitempty" yaml:"password_hash,omitempty"`
	FirstName    string    `json:"first_name,omitempty" yaml:"first_name,omitempty"`
	LastName     string    `json:"last_name,omitempty" yaml:"last_name,omitempty"`
	CreatedDate  time.Time `json:"created_date,omitzero" yaml:"created_date,omitempty"`
	BannedDate   time.Time `json:"banned_date,omitzero" yaml:"banned_date,omitempty"`
}

// Job is a position title that contracts refer to.
type Job struct {
	Title    string `json:"title,omitempty" yaml:"title,omitempty"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
}

// JobContract is an employment record: a user holding a job at a work base
// for a date window. An open-ended contract has a zero EndDate.
type JobContract struct {
	User      string    `json:"user" yaml:"user"`
	WorkBase  string    `json:"work_base" yaml:"work_base"`
	Job       string    `json:"job" yaml:"job"`
	JobTitle  string    `json:"job_title,omitempty" yaml:"job_title,omitempty"`
	StartDate time.Time `json:"start_date" yaml:"start_date"`
	EndDate   time.Time `json:"end_date,omitzero" yaml:"end_date,omitempty"`
}

// Action is a permission that contracts can be granted or delegated.
type Action struct {
	Title       string `json:"title" yaml:"title"`
	Language    string `json:"language,omitempty" yaml:"language,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// ContractAction grants an action to a contract over the units under Reach.
type ContractAction struct {
	Contract string `json:"contract" yaml:"contract"`
	Action   string `json:"action" yaml:"action"`
	Reach    string `json:"reach,omitempty" yaml:"reach,omitempty"`
	Maximum  int    `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	// StartDate is the grant start; its year is the record period.
	StartDate time.Time `json:"start_date,omitzero" yaml:"start_date,omitempty"`
}

// Delegation hands an action from one contract to another for a date window.
type Delegation struct {
	Action        string    `json:"action" yaml:"action"`
	DelegatedFrom string    `json:"delegated_from" yaml:"delegated_from"`
	DelegatedTo   string    `json:"delegated_to" yaml:"delegated_to"`
	Reach         string    `json:"reach,omitempty" yaml:"reach,omitempty"`
	Maximum       int       `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	StartDate     time.Time `json:"start_date" yaml:"start_date"`
	EndDate       time.Time `json:"end_date,omitzero" yaml:"end_date,omitempty"`
}

func (*Base) Kind() Kind           { return KindBase }
func (*User) Kind() Kind           { return KindUser }
func (*Job) Kind() Kind            { return KindJob }
func (*JobContract) Kind() Kind    { return KindJobContract }
func (*Action) Kind() Kind         { return KindAction }
func (*ContractAction) Kind() Kind { return KindContractAction }
func (*Delegation) Kind() Kind     { return KindDelegation }

// Refs points at the parent unit.
func (b *Base) Refs() []*string { return []*string{&b.Parent} }

// Refs is empty: users reference nothing.
func (*User) Refs() []*string { return nil }

// Refs is empty: jobs reference nothing.
func (*Job) Refs() []*string { return nil }

// Refs points at the user, the work unit and the job.
func (c *JobContract) Refs() []*string { return []*string{&c.User, &c.WorkBase, &c.Job} }

// Refs is empty: actions reference nothing.
func (*Action) Refs() []*string { return nil }

// Refs points at the contract, the action and the reach unit.
func (c *ContractAction) Refs() []*string { return []*string{&c.Contract, &c.Action, &c.Reach} }

// Refs points at the action, both contracts and the reach unit.
func (d *Delegation) Refs() []*string {
	return []*string{&d.Action, &d.DelegatedFrom, &d.DelegatedTo, &d.Reach}
}

func (b *Base) clone() Body           { c := *b; return &c }
func (u *User) clone() Body           { c := *u; return &c }
func (j *Job) clone() Body            { c := *j; return &c }
func (c *JobContract) clone() Body    { cc := *c; return &cc }
func (a *Action) clone() Body         { c := *a; return &c }
func (c *ContractAction) clone() Body { cc := *c; return &cc }
func (d *Delegation) clone() Body     { c := *d; return &c }

// Validate requires an identifier and a parent.
func (b *Base) Validate() error {
	if b.Identifier == "" {
		return errors.New("identifier is required")
	}
	if b.Parent == "" {
		return errors.New("parent is required")
	}
	return nil
}

// Validate requires a login.
func (u *User) Validate() error {
	if u.Login == "" {
		return errors.New("login is required")
	}
	return nil
}

// Validate accepts any job.
func (*Job) Validate() error { return nil }

// Validate requires the references and a start date not after the end date.
func (c *JobContract) Validate() error {
	switch {
	case c.User == "":
		return errors.New("user is required")
	case c.WorkBase == "":
		return errors.New("work_base is required")
	case c.Job == "":
		return errors.New("job is required")
	case c.StartDate.IsZero():
		return errors.New("start_date is required")
	case !c.EndDate.IsZero() && c.EndDate.Before(c.StartDate):
		return errors.New("end_date is before start_date")
	}
	return nil
}

// Validate requires a title.
func (a *Action) Validate() error {
	if a.Title == "" {
		return errors.New("title is required")
	}
	return nil
}

// Validate requires the contract and the action.
func (c *ContractAction) Validate() error {
	if c.Contract == "" || c.Action == "" {
		return errors.New("contract and action are required")
	}
	return nil
}

// Validate requires the action, both contracts and a valid date window.
func (d *Delegation) Validate() error {
	switch {
	case d.Action == "":
		return errors.New("action is required")
	case d.DelegatedFrom == "" || d.DelegatedTo == "":
		return errors.New("delegated_from and delegated_to are required")
	case d.StartDate.IsZero():
		return errors.New("start_date is required")
	case !d.EndDate.IsZero() && d.EndDate.Before(d.StartDate):
		return errors.New("end_date is before start_date")
	}
	return nil
}

// Covers reports whether the contract is in force on day t.
func (c *JobContract) Covers(t time.Time) bool {
	if t.Before(c.StartDate) {
		return false
	}
	return c.EndDate.IsZero() || !t.After(c.EndDate)
}

// Covers reports whether the delegation is in force on day t.
func (d *Delegation) Covers(t time.Time) bool {
	if t.Before(d.StartDate) {
		return false
	}
	return d.EndDate.IsZero() || !t.After(d.EndDate)
}

// DefaultPeriod returns the period a record gets when none is supplied:
// archivable kinds use their start year, everything else is permanent.
func DefaultPeriod(body Body) string {
	var start time.Time
	switch b := body.(type) {
	case *JobContract:
		start = b.StartDate
	case *ContractAction:
		start = b.StartDate
	case *Delegation:
		start = b.StartDate
	default:
		return PermanentPeriod
	}
	if start.IsZero() {
		return PermanentPeriod
	}
	return strconv.Itoa(start.Year())
}

// Validate checks the structural constraints shared by every kind and then
// the body's own constraints.
func (r *Record) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	if r.Body == nil {
		return fmt.Errorf("%s record has no body", r.Kind)
	}
	if r.Body.Kind() != r.Kind {
		return fmt.Errorf("%s record carries a %s body", r.Kind, r.Body.Kind())
	}
	if r.Scope == "" {
		return errors.New("scope is required")
	}
	if r.Period == "" {
		return errors.New("period is required")
	}
	return r.Body.Validate()
}

// References returns the non-empty codes this record points at.
func (r *Record) References() []string {
	if r.Body == nil {
		return nil
	}
	var out []string
	for _, p := range r.Body.Refs() {
		if *p != "" {
			out = append(out, *p)
		}
	}
	return out
}

// RemapReferences rewrites each reference found in codes to its mapped value.
// Every reference is looked up once, so chained mappings are not followed.
// It reports whether anything changed.
func (r *Record) RemapReferences(codes map[string]string) bool {
	if r.Body == nil {
		return false
	}
	changed := false
	for _, p := range r.Body.Refs() {
		if to, ok := codes[*p]; ok && to != *p {
			*p = to
			changed = true
		}
	}
	return changed
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Body != nil {
		c.Body = r.Body.clone()
	}
	return &c
}

type recordJSON struct {
	Kind   Kind            `json:"table"`
	Code   string          `json:"code"`
	Serial int64           `json:"serial"`
	Scope  string          `json:"scope"`
	Period string          `json:"period"`
	Body   json.RawMessage `json:"body,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{Kind: r.Kind, Code: r.Code, Serial: r.Serial, Scope: r.Scope, Period: r.Period}
	if r.Body != nil {
		body, err := json.Marshal(r.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", r.Kind, err)
		}
		out.Body = body
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var in recordJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	body, err := in.Kind.NewBody()
	if err != nil {
		return err
	}
	if len(in.Body) > 0 {
		if err := json.Unmarshal(in.Body, body); err != nil {
			return fmt.Errorf("unmarshal %s body: %w", in.Kind, err)
		}
	}
	*r = Record{Kind: in.Kind, Code: in.Code, Serial: in.Serial, Scope: in.Scope, Period: in.Period, Body: body}
	return nil
}
