package httputil

import (
	"fmt"
	"net/http"
	"strconv"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ParsePage reads ?limit= and ?offset=.
func ParsePage(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = DefaultPageSize
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 || limit > MaxPageSize {
			return 0, 0, Invalid("limit", fmt.Sprintf("limit must be between 1 and %d", MaxPageSize))
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil || offset < 0 {
			return 0, 0, Invalid("offset", "offset must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
