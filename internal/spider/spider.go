package spider

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
)

// ErrNotFound is returned when a spider name cannot be resolved.
var ErrNotFound = errors.New("spider not found")

// Args are the per-run arguments passed on the command line with -a key=value.
type Args map[string]string

// Request is a URL scheduled for download.
type Request struct {
	URL   string
	Depth int
	Meta  map[string]string
}

// NewRequest returns a depth-zero request for url.
func NewRequest(url string) *Request {
	return &Request{URL: url}
}

// Follow returns a request for url one level deeper than r.
func (r *Request) Follow(url string) *Request {
	return &Request{URL: url, Depth: r.Depth + 1}
}

// Response is the result of downloading a Request.
type Response struct {
	Request *Request
	URL     string
	Status  int
	Header  http.Header
	Body    []byte
}

// Spider produces the initial requests of a crawl and turns responses into
// follow-up requests.
type Spider interface {
	Name() string
	// StartRequests is consumed once, by the engine, as workers free up.
	StartRequests() iter.Seq[*Request]
	Parse(ctx context.Context, resp *Response) ([]*Request, error)
}

// Factory builds a spider instance for one crawl.
type Factory func(args Args) (Spider, error)

// Spec identifies a kind of spider and how to build it.
type Spec struct {
	Name string
	New  Factory
}

// Ref points at a spider either directly by Spec or by registered name.
type Ref struct {
	spec *Spec
	name string
}

// ByType refers to spec directly. No loader lookup happens.
func ByType(spec Spec) Ref {
	return Ref{spec: &spec, name: spec.Name}
}

// ByName refers to a spider that a Loader must resolve.
func ByName(name string) Ref {
	return Ref{name: name}
}

// Spec returns the direct spec and true for ByType references.
func (r Ref) Spec() (Spec, bool) {
	if r.spec == nil {
		return Spec{}, false
	}
	return *r.spec, true
}

// Name returns the spider name.
func (r Ref) Name() string {
	return r.name
}

func (r Ref) String() string {
	if r.spec != nil {
		return fmt.Sprintf("spec(%s)", r.name)
	}
	return fmt.Sprintf("name(%s)", r.name)
}

// Resolve returns the Spec for r, consulting loader for ByName references.
func Resolve(r Ref, loader Loader) (Spec, error) {
	if spec, ok := r.Spec(); ok {
		return spec, nil
	}
	if loader == nil {
		return Spec{}, fmt.Errorf("%w: %s (no loader)", ErrNotFound, r.name)
	}
	return loader.Load(r.name)
}
