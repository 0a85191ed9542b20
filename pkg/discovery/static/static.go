// Package static is a fixed seed list.
package static

import (
    "context"
    "strings"

    "github.com/amirimatin/go-group/pkg/discovery"
)

type seeds []string

func (s seeds) Seeds(context.Context) ([]string, error) { return append([]string(nil), s...), nil }

// New drops blank entries and returns the rest unchanged.
func New(list ...string) discovery.Discovery {
    out := make(seeds, 0, len(list))
    for _, v := range list {
        if v = strings.TrimSpace(v); v != "" { out = append(out, v) }
    }
    return out
}

// Parse splits a comma-separated seed list.
func Parse(csv string) []string {
    if csv == "" { return nil }
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}
