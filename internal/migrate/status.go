package migrate

// Status tracks a record through the migration state machine.
type Status int

const (
	Pending Status = iota
	Created
	FieldsAttached
	Done
	Skipped
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Created:
		return "created"
	case FieldsAttached:
		return "fields attached"
	case Done:
		return "done"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}
