package warpq

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CanonicalizeURL normalizes a raw URL into its canonical form and returns
// the canonical string alongside its fingerprint. Two inputs name the same
// logical download iff their canonical forms are byte-equal.
//
// Normalization, in order: parse, drop the fragment, drop the default port
// (80 for http, 443 for https), and if a query is present decode its pairs,
// sort them by key then value, and re-encode. Scheme, userinfo, host, and
// path are preserved as parsed. The operation is idempotent.
func CanonicalizeURL(rawURL string) (canonical, fingerprint string, err error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}

	u.Fragment = ""
	u.RawFragment = ""

	if port := u.Port(); port != "" {
		scheme := strings.ToLower(u.Scheme)
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			u.Host = u.Hostname()
		}
	}

	if u.RawQuery != "" {
		sorted, qerr := sortQuery(u.RawQuery)
		if qerr != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidURL, qerr)
		}
		u.RawQuery = sorted
	}

	canonical = u.String()
	return canonical, FingerprintOf(canonical), nil
}

// FingerprintOf returns the lowercase hex SHA-256 of the given canonical
// URL. The result is always 64 characters.
func FingerprintOf(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

type queryPair struct{ key, val string }

// sortQuery decodes a raw query string, sorts the pairs lexicographically by
// key then value, and re-encodes every key and value with url.QueryEscape,
// so equivalent encodings of a pair (for example %20 and +) end up in one
// form.
func sortQuery(rawQuery string) (string, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", err
	}
	pairs := make([]queryPair, 0, len(values))
	for key, vals := range values {
		for _, val := range vals {
			pairs = append(pairs, queryPair{key: key, val: val})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].val < pairs[j].val
	})
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.key))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.val))
	}
	return b.String(), nil
}
