package model

import "fmt"

// DuplicateKeyError reports a key that occurs twice in one document.
// Kind is "node", "link" or "port"; for ports Owner is the node key and
// Side the node side.
type DuplicateKeyError struct {
	Kind  string
	Key   string
	Owner Key
	Side  Side
}

func (e *DuplicateKeyError) Error() string {
	if e.Kind == "port" {
		return fmt.Sprintf("duplicate port %q on %s side of node %q", e.Key, e.Side, e.Owner.String())
	}
	return fmt.Sprintf("duplicate %s key %q", e.Kind, e.Key)
}

// DanglingReferenceError reports a link endpoint that names a node which is
// neither in the desired graph nor already on the canvas.
type DanglingReferenceError struct {
	Link     Key
	Endpoint string // "from" or "to"
	Node     Key
}

func (e *DanglingReferenceError) Error() string {
	return fmt.Sprintf("link %q: %s endpoint references unknown node %q", e.Link.String(), e.Endpoint, e.Node.String())
}

// ValidationError reports a wire document that does not match its schema.
type ValidationError struct {
	Document string
	Err      error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s document: %v", e.Document, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
