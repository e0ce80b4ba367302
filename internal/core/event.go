package core

// Event is a single outbound notification addressed to one namespace of a
// connection.
type Event struct {
	Namespace string
	Name      string
	Data      any
}
