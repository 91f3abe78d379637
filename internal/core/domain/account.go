package domain

// Account is the entity type served by the API.
type Account struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address"`
	Balance int64  `json:"balance"`
	Version int64  `json:"version"`
}

func (a Account) EntityID() string { return a.ID }

func (a Account) EntityVersion() int64 { return a.Version }

func (a Account) WithIdentity(id string, version int64) Account {
	a.ID = id
	a.Version = version
	return a
}

// AccountType declares the audited fields of Account. Identity and version
// belong to the store, not to the schema, and are not diffed.
var AccountType = NewDescriptor("Account",
	Field[Account]{Name: "name", Get: func(a Account) any { return a.Name }},
	Field[Account]{Name: "email", Get: func(a Account) any { return a.Email }},
	Field[Account]{Name: "address", Get: func(a Account) any { return a.Address }},
	Field[Account]{Name: "balance", Get: func(a Account) any { return a.Balance }},
)
