package engine

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// pageParams is the parsed JSON-API pagination window.
type pageParams struct {
	Offset int
	Limit  int
}

// parsePagination reads page[offset] and page[limit], applying the default
// limit and clamping to [0, max_page_size].
func (e *Engine) parsePagination(r *http.Request) (pageParams, error) {
	p := pageParams{Limit: e.config.Server.DefaultPageLimit}

	q := r.URL.Query()
	if raw := q.Get("page[offset]"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return p, errorf(http.StatusBadRequest, "invalid page[offset] %q", raw)
		}
		p.Offset = v
	}
	if raw := q.Get("page[limit]"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return p, errorf(http.StatusBadRequest, "invalid page[limit] %q", raw)
		}
		p.Limit = v
	}
	if max := e.config.Server.MaxPageSize; p.Limit > max {
		p.Limit = max
	}
	return p, nil
}

// paginationLinks builds the self/first/last/next/prev link set around the
// current window. count may be a lower bound; next is present whenever the
// window's end is below it.
func paginationLinks(r *http.Request, p pageParams, count int64, exact bool) map[string]string {
	links := map[string]string{
		"self":  pageURL(r, p.Offset, p.Limit),
		"first": pageURL(r, 0, p.Limit),
	}
	if exact && p.Limit > 0 && count > 0 {
		last := ((count - 1) / int64(p.Limit)) * int64(p.Limit)
		links["last"] = pageURL(r, int(last), p.Limit)
	}
	if int64(p.Offset+p.Limit) < count && p.Limit > 0 {
		links["next"] = pageURL(r, p.Offset+p.Limit, p.Limit)
	}
	if p.Offset > 0 {
		prev := p.Offset - p.Limit
		if prev < 0 {
			prev = 0
		}
		links["prev"] = pageURL(r, prev, p.Limit)
	}
	return links
}

// pageURL rewrites the request URL with the given pagination window.
func pageURL(r *http.Request, offset, limit int) string {
	q := r.URL.Query()
	q.Set("page[offset]", strconv.Itoa(offset))
	q.Set("page[limit]", strconv.Itoa(limit))
	u := url.URL{Path: r.URL.Path, RawQuery: q.Encode()}
	return requestBase(r) + u.String()
}

// requestBase reconstructs scheme://host for absolute links, empty when the
// request carries no host (direct handler tests).
func requestBase(r *http.Request) string {
	if r.Host == "" {
		return ""
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
