package main

import (
	"fmt"
	"strings"

	"github.com/sushant-115/graphstore/core/indexing/schema"
	"github.com/sushant-115/graphstore/core/values"
)

// parsePredicate reads a range in interval notation, "[1, 5)" or
// "(2.5, +inf]", a single value for an exact match, or "*" for everything.
// Values take the literal syntax of values.Parse.
func parsePredicate(s string) (schema.RangePredicate, error) {
	s = strings.TrimSpace(s)
	if s == "*" || s == "" {
		return schema.All(), nil
	}
	lb, rb := s[0], s[len(s)-1]
	if lb != '[' && lb != '(' {
		v, err := values.Parse(strings.TrimPrefix(s, "="))
		if err != nil {
			return schema.RangePredicate{}, err
		}
		return schema.Exact(v), nil
	}
	if rb != ']' && rb != ')' {
		return schema.RangePredicate{}, fmt.Errorf("range %q must end with ] or )", s)
	}
	lo, hi, ok := strings.Cut(s[1:len(s)-1], ",")
	if !ok {
		return schema.RangePredicate{}, fmt.Errorf("range %q needs two bounds separated by a comma", s)
	}
	var p schema.RangePredicate
	var err error
	if p.From, err = parseBound(lo, "-inf"); err != nil {
		return p, err
	}
	if p.To, err = parseBound(hi, "+inf", "inf"); err != nil {
		return p, err
	}
	p.FromInclusive = lb == '['
	p.ToInclusive = rb == ']'
	return p, nil
}

// parseBound returns nil for an empty or infinite bound.
func parseBound(s string, unbounded ...string) (values.Value, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, u := range unbounded {
		if strings.EqualFold(s, u) {
			return nil, nil
		}
	}
	return values.Parse(s)
}
