package batch

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Grouper derives a batch key from a matched file path.
type Grouper interface {
	Group(path string) (string, error)
}

// GrouperFunc adapts a plain function to Grouper.
type GrouperFunc func(string) (string, error)

func (f GrouperFunc) Group(p string) (string, error) {
	return f(p)
}

const groupByHelp = `use split:<sep>:<index>, regex:<expr>, stem, basename, dir or a chain like .split('/')[-1].split('.')[0]`

// ParseGroupBy parses a grouping rule. Supported forms:
//
//	split:<sep>:<index>   field of path split on sep; negative index counts from the end
//	regex:<expr>          first capture group, or the whole match
//	stem                  base name without extension
//	basename              base name
//	dir                   parent directory
//
// Chains of .split('<sep>')[<n>] and [<i>:<j>] slices are accepted as well.
func ParseGroupBy(expr string) (Grouper, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return nil, ConfigErr("group_by", "empty rule; %s", groupByHelp)
	case expr == "stem":
		return GrouperFunc(stem), nil
	case expr == "basename":
		return GrouperFunc(func(p string) (string, error) { return path.Base(p), nil }), nil
	case expr == "dir":
		return GrouperFunc(func(p string) (string, error) { return path.Dir(p), nil }), nil
	case strings.HasPrefix(expr, "split:"):
		rest := strings.TrimPrefix(expr, "split:")
		i := strings.LastIndex(rest, ":")
		if i <= 0 {
			return nil, ConfigErr("group_by", "invalid split rule %q; %s", expr, groupByHelp)
		}
		idx, err := strconv.Atoi(rest[i+1:])
		if err != nil {
			return nil, ConfigErr("group_by", "invalid split index in %q", expr)
		}
		return chain{splitStep{sep: rest[:i], index: idx}}, nil
	case strings.HasPrefix(expr, "regex:"):
		re, err := regexp.Compile(strings.TrimPrefix(expr, "regex:"))
		if err != nil {
			return nil, ConfigErr("group_by", "invalid regex: %v", err)
		}
		return regexGrouper{re: re}, nil
	case strings.HasPrefix(expr, ".") || strings.HasPrefix(expr, "["):
		return parseChain(expr)
	}
	return nil, ConfigErr("group_by", "unsupported rule %q; %s", expr, groupByHelp)
}

func stem(p string) (string, error) {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base)), nil
}

type regexGrouper struct {
	re *regexp.Regexp
}

func (g regexGrouper) Group(p string) (string, error) {
	m := g.re.FindStringSubmatch(p)
	if m == nil {
		return "", nil
	}
	if len(m) > 1 {
		return m[1], nil
	}
	return m[0], nil
}

type step interface {
	apply(string) (string, error)
}

type chain []step

func (c chain) Group(p string) (string, error) {
	out := p
	for _, s := range c {
		var err error
		if out, err = s.apply(out); err != nil {
			return "", err
		}
	}
	return out, nil
}

type splitStep struct {
	sep   string
	index int
}

func (s splitStep) apply(v string) (string, error) {
	parts := strings.Split(v, s.sep)
	i := s.index
	if i < 0 {
		i += len(parts)
	}
	if i < 0 || i >= len(parts) {
		return "", fmt.Errorf("index %d out of range splitting %q on %q", s.index, v, s.sep)
	}
	return parts[i], nil
}

type sliceStep struct {
	from, to       int
	hasFrom, hasTo bool
}

func (s sliceStep) apply(v string) (string, error) {
	clamp := func(i int) int {
		if i < 0 {
			i += len(v)
		}
		return min(max(i, 0), len(v))
	}
	from, to := 0, len(v)
	if s.hasFrom {
		from = clamp(s.from)
	}
	if s.hasTo {
		to = clamp(s.to)
	}
	if from >= to {
		return "", nil
	}
	return v[from:to], nil
}

var (
	splitCallRe = regexp.MustCompile(`^\.split\((?:'([^']*)'|"([^"]*)")\)\[(-?\d+)\]`)
	sliceRe     = regexp.MustCompile(`^\[(-?\d*):(-?\d*)\]`)
)

func parseChain(expr string) (Grouper, error) {
	var c chain
	rest := expr
	for rest != "" {
		if m := splitCallRe.FindStringSubmatch(rest); m != nil {
			sep := m[1]
			if sep == "" {
				sep = m[2]
			}
			if sep == "" {
				return nil, ConfigErr("group_by", "empty separator in %q", expr)
			}
			idx, _ := strconv.Atoi(m[3])
			c = append(c, splitStep{sep: sep, index: idx})
			rest = rest[len(m[0]):]
			continue
		}
		if m := sliceRe.FindStringSubmatch(rest); m != nil {
			var s sliceStep
			if m[1] != "" {
				s.from, _ = strconv.Atoi(m[1])
				s.hasFrom = true
			}
			if m[2] != "" {
				s.to, _ = strconv.Atoi(m[2])
				s.hasTo = true
			}
			c = append(c, s)
			rest = rest[len(m[0]):]
			continue
		}
		return nil, ConfigErr("group_by", "unsupported expression near %q; %s", rest, groupByHelp)
	}
	return c, nil
}
