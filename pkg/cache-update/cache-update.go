// Package cacheupdate reads the `Cache-Update` entries an action sets to invalidate cached output.
//
// An entry names the internal URI whose output became stale, optionally with a delay:
//
//	Cache-Update: blog/index
//	Cache-Update: blog/show?id=3; delay=5
//
// Entries are only honored on responses to unsafe requests.
package cacheupdate

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/always-cache/viewcache/pkg/routing"
)

// Header is the name of the response header carrying the entries.
const Header = "Cache-Update"

var delayRe = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// URI of the action whose cached output must be removed.
	URI routing.InternalURI
	// Update delay, i.e. remove after this duration.
	Delay time.Duration
}

// UnsafeRequest reports whether the request method may change state on the server.
func UnsafeRequest(r *http.Request) bool {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// GetCacheUpdates gets the updates specified in the response header.
// Malformed entries are returned in the second value and otherwise ignored.
func GetCacheUpdates(r *http.Request, header http.Header) ([]CacheUpdate, []string) {
	if !UnsafeRequest(r) {
		return nil, nil
	}
	var updates []CacheUpdate
	var malformed []string
	for _, value := range header.Values(Header) {
		for _, entry := range strings.Split(value, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			uri, err := routing.Parse(getPath(entry))
			if err != nil {
				malformed = append(malformed, entry)
				continue
			}
			updates = append(updates, CacheUpdate{URI: uri, Delay: getDelay(entry)})
		}
	}
	return updates, malformed
}

// getPath returns the URI part of the entry, the first parameter (separated by a semicolon).
func getPath(entry string) string {
	path, _, _ := strings.Cut(entry, ";")
	return strings.TrimSpace(path)
}

// getDelay returns the delay of the `delay=N` directive, in seconds.
// If no delay directive is found, it returns 0.
func getDelay(entry string) time.Duration {
	if matches := delayRe.FindStringSubmatch(entry); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
