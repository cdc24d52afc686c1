package aggregator

import (
	"fmt"
	"strings"
)

// NameSeparator joins an upstream name and an original capability name into
// the single aggregated namespace. Upstream names may not contain it, which
// makes the mapping injective and reversible.
const NameSeparator = "_1mcp_"

// URISeparator namespaces resource URIs: upstream name, separator, original
// URI. Splitting at the first occurrence recovers both halves because
// upstream names may not contain it.
const URISeparator = "://"

// JoinName prefixes a tool or prompt name with its upstream.
func JoinName(upstream, name string) string {
	return upstream + NameSeparator + name
}

// SplitName recovers the upstream and original name from a namespaced one.
func SplitName(namespaced string) (upstream, name string, err error) {
	idx := strings.Index(namespaced, NameSeparator)
	if idx <= 0 {
		return "", "", fmt.Errorf("name %q is not namespaced", namespaced)
	}
	upstream = namespaced[:idx]
	name = namespaced[idx+len(NameSeparator):]
	if name == "" {
		return "", "", fmt.Errorf("name %q has an empty capability part", namespaced)
	}
	return upstream, name, nil
}

// JoinURI prefixes a resource URI with its upstream.
func JoinURI(upstream, uri string) string {
	return upstream + URISeparator + uri
}

// SplitURI recovers the upstream and original URI from a namespaced one.
func SplitURI(namespaced string) (upstream, uri string, err error) {
	idx := strings.Index(namespaced, URISeparator)
	if idx <= 0 {
		return "", "", fmt.Errorf("uri %q is not namespaced", namespaced)
	}
	upstream = namespaced[:idx]
	uri = namespaced[idx+len(URISeparator):]
	if uri == "" {
		return "", "", fmt.Errorf("uri %q has an empty resource part", namespaced)
	}
	return upstream, uri, nil
}
