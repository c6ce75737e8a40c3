package namespace

// Status is a namespace registry record's lifecycle state: active ->
// deleted (forward record removed) -> purging -> removed entirely.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
	StatusPurging Status = "purging"
)

// Forward is the decoded forward (name -> id) registry record.
type Forward struct {
	NamespaceID string
	Status      Status
	CreatedAt   int64
}

// Reverse is the decoded reverse (id -> name) registry record.
type Reverse struct {
	Name      string
	Status    Status
	CreatedAt int64
	DeletedAt int64
}
