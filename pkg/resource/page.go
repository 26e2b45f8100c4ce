package resource

// Cursor is an opaque continuation token. Only the paginator that issued it
// can interpret it.
type Cursor string

// Page is one page of a listing.
//
// HasNext == false implies NextCursor == "". ServerTruncated is set when the
// provider itself reported more results, as opposed to a client-side slice
// of a materialized list.
type Page[T any] struct {
	Items           []T    `json:"items"`
	HasNext         bool   `json:"has_next"`
	NextCursor      Cursor `json:"next_cursor,omitempty"`
	ServerTruncated bool   `json:"server_truncated"`
}

// Len returns the number of items on the page.
func (p Page[T]) Len() int { return len(p.Items) }

// EmptyPage returns a page with no items and no continuation.
func EmptyPage[T any]() Page[T] {
	return Page[T]{Items: []T{}}
}
