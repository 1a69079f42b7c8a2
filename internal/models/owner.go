package models

import (
	"fmt"

	json "github.com/goccy/go-json"
)

type OwnerKind uint8

const (
	OwnerAnonymous OwnerKind = iota + 1
	OwnerAccount
)

func (k OwnerKind) String() string {
	switch k {
	case OwnerAnonymous:
		return "anonymous"
	case OwnerAccount:
		return "account"
	default:
		return "invalid"
	}
}

// Owner is either an anonymous session or an authenticated account, never
// both. Build one with Anonymous or AccountOwner; the zero value is invalid.
type Owner struct {
	kind OwnerKind
	id   string
}

func Anonymous(sessionToken string) Owner {
	return Owner{kind: OwnerAnonymous, id: sessionToken}
}

func AccountOwner(accountID string) Owner {
	return Owner{kind: OwnerAccount, id: accountID}
}

func (o Owner) Kind() OwnerKind { return o.kind }

// ID is the session token for anonymous owners and the account id otherwise.
func (o Owner) ID() string { return o.id }

func (o Owner) IsAnonymous() bool { return o.kind == OwnerAnonymous }

func (o Owner) IsAccount() bool { return o.kind == OwnerAccount }

func (o Owner) Valid() bool {
	return (o.kind == OwnerAnonymous || o.kind == OwnerAccount) && o.id != ""
}

// Key identifies the owner in maps and fan-out feeds.
func (o Owner) Key() string {
	return fmt.Sprintf("%s:%s", o.kind, o.id)
}

func (o Owner) String() string {
	if o.kind == OwnerAnonymous {
		return "anonymous"
	}
	return o.Key()
}

// MarshalJSON never exposes the anonymous session token.
func (o Owner) MarshalJSON() ([]byte, error) {
	out := struct {
		Kind string `json:"kind"`
		ID   string `json:"id,omitempty"`
	}{Kind: o.kind.String()}
	if o.kind == OwnerAccount {
		out.ID = o.id
	}
	return json.Marshal(out)
}
