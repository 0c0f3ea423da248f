package models

import (
	"fmt"
	"strings"
)

// Kind identifies a replicated record type. The set is closed: every kind has a
// table prefix for its codes and a typed body.
type Kind string

const (
	KindBase           Kind = "bases"
	KindUser           Kind = "users"
	KindJob            Kind = "jobs"
	KindJobContract    Kind = "job_contracts"
	KindAction         Kind = "actions"
	KindContractAction Kind = "contract_actions"
	KindDelegation     Kind = "delegations"
)

// Kinds lists every record kind in dependency order: a kind only references
// kinds that appear before it.
var Kinds = []Kind{
	KindBase,
	KindUser,
	KindJob,
	KindAction,
	KindJobContract,
	KindContractAction,
	KindDelegation,
}

// Scope and period sentinels.
const (
	GlobalScope     = "GLOBAL"
	PermanentPeriod = "PERMANENT"
)

// ParseKind accepts a table name ("job_contracts") or a table prefix ("JOBCONTRACT").
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == strings.ToLower(s) || k.Prefix() == strings.ToUpper(s) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown record kind %q", s)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k.Prefix() != ""
}

// Prefix returns the table prefix used when building codes.
func (k Kind) Prefix() string {
	switch k {
	case KindBase:
		return "BASE"
	case KindUser:
		return "USER"
	case KindJob:
		return "JOB"
	case KindJobContract:
		return "JOBCONTRACT"
	case KindAction:
		return "ACTION"
	case KindContractAction:
		return "CONTRACTACTION"
	case KindDelegation:
		return "DELEGATION"
	}
	return ""
}

// Public reports whether records of this kind replicate to every client
// regardless of scope.
func (k Kind) Public() bool {
	switch k {
	case KindBase, KindJob, KindAction:
		return true
	}
	return false
}

// Rank is the position of k in Kinds, used to order dependent deletions.
func (k Kind) Rank() int {
	for i, kk := range Kinds {
		if kk == k {
			return i
		}
	}
	return len(Kinds)
}

// NewBody returns an empty body of the type carried by k.
func (k Kind) NewBody() (Body, error) {
	switch k {
	case KindBase:
		return &Base{}, nil
	case KindUser:
		return &User{}, nil
	case KindJob:
		return &Job{}, nil
	case KindJobContract:
		return &JobContract{}, nil
	case KindAction:
		return &Action{}, nil
	case KindContractAction:
		return &ContractAction{}, nil
	case KindDelegation:
		return &Delegation{}, nil
	}
	return nil, fmt.Errorf("unknown record kind %q", k)
}
