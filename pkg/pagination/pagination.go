package pagination

import (
	"net/http"
	"strconv"
)

const (
	// DefaultLimit is used when the request carries no usable limit.
	DefaultLimit = 50
	// MaxLimit caps a single page.
	MaxLimit = 200
)

// Params holds limit/offset pagination parameters extracted from query strings.
type Params struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// DefaultParams returns sensible pagination defaults.
func DefaultParams() Params {
	return Params{Limit: DefaultLimit}
}

// FromRequest extracts pagination parameters from an HTTP request. Invalid
// values fall back to the defaults; limit is clamped to MaxLimit.
func FromRequest(r *http.Request) Params {
	p := DefaultParams()

	if limit := r.URL.Query().Get("limit"); limit != "" {
		if v, err := strconv.Atoi(limit); err == nil && v > 0 {
			p.Limit = min(v, MaxLimit)
		}
	}

	if offset := r.URL.Query().Get("offset"); offset != "" {
		if v, err := strconv.Atoi(offset); err == nil && v >= 0 {
			p.Offset = v
		}
	}

	return p
}

// Window returns the [start, end) bounds of the page inside a collection of
// total items.
func (p Params) Window(total int) (start, end int) {
	start = min(p.Offset, total)
	end = min(start+p.Limit, total)
	return start, end
}

// Result wraps one page of items.
type Result[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewResult creates a paginated result. A nil slice becomes empty so it
// encodes as [].
func NewResult[T any](items []T, total int, params Params) Result[T] {
	if items == nil {
		items = []T{}
	}
	return Result[T]{
		Items:   items,
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: params.Offset+len(items) < total,
	}
}
