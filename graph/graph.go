// Package graph is the replicated key/value graph every client reads from
// and writes to. Paths are slash-separated; a path may hold a JSON value and
// have children at the same time. Writing nil deletes (tombstones) a path.
//
// Live callbacks registered with On and Map are delivered one at a time from
// a single dispatcher goroutine, in commit order.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned for missing or deleted paths.
	ErrNotFound = errors.New("graph: node not found")
	// ErrClosed is returned by operations on a closed store and delivered to
	// live subscriptions when the store shuts down.
	ErrClosed = errors.New("graph: store closed")
	// ErrUnauthorized is returned for writes into another principal's namespace
	// without a valid certificate.
	ErrUnauthorized = errors.New("graph: write not authorized")
	// ErrInvalidPath is returned for empty paths or paths with empty segments.
	ErrInvalidPath = errors.New("graph: invalid path")
)

// Node is a snapshot of one path.
type Node struct {
	Path    string
	Key     string
	Value   json.RawMessage
	State   int64
	Deleted bool
}

// Decode unmarshals the node value into v.
func (n Node) Decode(v any) error {
	if n.Deleted || len(n.Value) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(n.Value, v)
}

// Event is one live delivery. Err is set when the subscription failed and
// will deliver nothing further.
type Event struct {
	Node Node
	Err  error
}

// Handler receives live events.
type Handler func(Event)

type putOptions struct {
	certificate string
}

// PutOption customizes a single Put.
type PutOption func(*putOptions)

// WithCertificate attaches a capability certificate authorizing a write into
// another principal's namespace.
func WithCertificate(certificate string) PutOption {
	return func(o *putOptions) {
		o.certificate = certificate
	}
}

// Graph is the store contract the chat engine is written against.
//
// Get and Children resolve the current snapshot once. On streams every later
// mutation of one path; Map streams every later mutation of the direct
// children of a path.
type Graph interface {
	Get(ctx context.Context, path string) (Node, error)
	Children(ctx context.Context, path string) ([]Node, error)
	Put(ctx context.Context, path string, value any, opts ...PutOption) error
	On(path string, fn Handler) (*Subscription, error)
	Map(path string, fn Handler) (*Subscription, error)
}

// Join builds a path from segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// UserPath builds a path inside pub's namespace.
func UserPath(pub string, segments ...string) string {
	return Join(append([]string{"~" + pub}, segments...)...)
}

// Owner returns the namespace owner of a user path and the path relative to
// that namespace, or ok=false when path is not inside a user namespace.
func Owner(path string) (owner, rel string, ok bool) {
	if !strings.HasPrefix(path, "~") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(path[1:], "/")
	return head, rest, true
}

func validatePath(path string) error {
	if path == "" {
		return ErrInvalidPath
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			return ErrInvalidPath
		}
	}
	return nil
}
