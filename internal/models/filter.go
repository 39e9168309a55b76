package models

// Condition joins a filter with the filters before it.
type Condition int16

const (
	And Condition = iota
	Or
	Not
)

// KeyFilter matches entries by key.
type KeyFilter struct {
	Value     string
	Condition Condition
}

// ValueFilter matches entries by decoded value.
type ValueFilter struct {
	Value     string
	Condition Condition
}
