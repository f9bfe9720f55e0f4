/* Copyright 2019 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package match implements pattern matching for JSON-shaped data.
//
// A pattern is itself JSON-shaped data that can contain variables: a
// string that starts with '?', as in "?who".  Matching a pattern
// against a fact produces zero or more sets of Bindings for those
// variables.
//
// A map pattern matches a map fact when every key in the pattern
// matches the fact's value at that key.  Extra keys in the fact are
// fine; that forgiveness is the point, since facts (such as case
// events) usually carry more properties than anybody wants to write
// in a pattern.
//
// An array pattern matches an array fact when every element of the
// pattern matches some element of the fact.  An element can match in
// more than one place, which is why Match returns a slice of
// Bindings rather than just one.  Elements are not consumed: two
// pattern elements are allowed to match the same fact element.
//
// The variable "?" is anonymous: it matches anything and binds
// nothing.  A literal string that starts with '?' can be written by
// doubling it: "??what" matches the string "?what".
//
// Numbers compare numerically, so the pattern 1 matches the fact
// 1.0, which is what you want after a trip through encoding/json.
package match

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Bindings maps variables to their values.
type Bindings map[string]interface{}

// NewBindings makes an empty Bindings.
func NewBindings() Bindings {
	return make(Bindings, 8)
}

// Copy makes a shallow copy.
func (bs Bindings) Copy() Bindings {
	acc := make(Bindings, len(bs))
	for p, v := range bs {
		acc[p] = v
	}
	return acc
}

// IsVariable reports whether the string is a pattern variable.
func IsVariable(s string) bool {
	if strings.HasPrefix(s, "??") {
		return false
	}
	return strings.HasPrefix(s, "?")
}

// IsAnonymous reports whether the string is the anonymous variable,
// which matches anything and binds nothing.
func IsAnonymous(s string) bool {
	return s == "?"
}

// Match matches the pattern against the fact, starting from the given
// Bindings (nil is fine), and returns every extension of those
// Bindings that makes the pattern hold.
//
// No match is a nil slice and a nil error.  An error means the
// pattern itself couldn't be processed.  The given Bindings are not
// modified.
func Match(pattern, fact interface{}, bs Bindings) ([]Bindings, error) {
	if bs == nil {
		bs = NewBindings()
	}
	return match(pattern, fact, bs)
}

func match(pattern, fact interface{}, bs Bindings) ([]Bindings, error) {
	switch p := pattern.(type) {
	case nil:
		if fact == nil {
			return []Bindings{bs}, nil
		}
		return nil, nil
	case string:
		return matchString(p, fact, bs)
	case bool:
		if f, is := fact.(bool); is && f == p {
			return []Bindings{bs}, nil
		}
		return nil, nil
	case map[string]interface{}:
		return matchMap(p, fact, bs)
	case []interface{}:
		return matchArray(p, fact, bs)
	default:
		if x, is := asNumber(pattern); is {
			if y, isf := asNumber(fact); isf && x == y {
				return []Bindings{bs}, nil
			}
			return nil, nil
		}
		return nil, fmt.Errorf("can't match a pattern of type %T (%#v)", pattern, pattern)
	}
}

func matchString(p string, fact interface{}, bs Bindings) ([]Bindings, error) {
	if IsAnonymous(p) {
		return []Bindings{bs}, nil
	}
	if IsVariable(p) {
		if bound, have := bs[p]; have {
			if Equal(bound, fact) {
				return []Bindings{bs}, nil
			}
			return nil, nil
		}
		acc := bs.Copy()
		acc[p] = fact
		return []Bindings{acc}, nil
	}
	want := p
	if strings.HasPrefix(p, "??") {
		want = p[1:]
	}
	if s, is := fact.(string); is && s == want {
		return []Bindings{bs}, nil
	}
	return nil, nil
}

// matchMap threads the working set of Bindings through the pattern's
// keys.  The keys are visited in sorted order so that multiple
// matches come back in a stable order, too.
func matchMap(p map[string]interface{}, fact interface{}, bs Bindings) ([]Bindings, error) {
	m, is := fact.(map[string]interface{})
	if !is {
		return nil, nil
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	acc := []Bindings{bs}
	for _, k := range keys {
		v, have := m[k]
		if !have {
			return nil, nil
		}
		var next []Bindings
		for _, b := range acc {
			bss, err := match(p[k], v, b)
			if err != nil {
				return nil, err
			}
			next = append(next, bss...)
		}
		if len(next) == 0 {
			return nil, nil
		}
		acc = next
	}
	return acc, nil
}

// matchArray tries each pattern element against each fact element,
// keeping every combination that works.
func matchArray(p []interface{}, fact interface{}, bs Bindings) ([]Bindings, error) {
	xs, is := fact.([]interface{})
	if !is {
		return nil, nil
	}
	acc := []Bindings{bs}
	for _, elem := range p {
		var next []Bindings
		for _, b := range acc {
			for _, x := range xs {
				bss, err := match(elem, x, b)
				if err != nil {
					return nil, err
				}
				next = append(next, bss...)
			}
		}
		if len(next) == 0 {
			return nil, nil
		}
		acc = next
	}
	return acc, nil
}

// Equal reports deep equality of two JSON-shaped values, with numbers
// compared numerically.
func Equal(x, y interface{}) bool {
	if xn, is := asNumber(x); is {
		yn, isf := asNumber(y)
		return isf && xn == yn
	}
	switch xv := x.(type) {
	case map[string]interface{}:
		yv, is := y.(map[string]interface{})
		if !is || len(xv) != len(yv) {
			return false
		}
		for k, v := range xv {
			w, have := yv[k]
			if !have || !Equal(v, w) {
				return false
			}
		}
		return true
	case []interface{}:
		yv, is := y.([]interface{})
		if !is || len(xv) != len(yv) {
			return false
		}
		for i, v := range xv {
			if !Equal(v, yv[i]) {
				return false
			}
		}
		return true
	default:
		return x == y
	}
}

func asNumber(x interface{}) (float64, bool) {
	switch v := x.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		n, err := v.Float64()
		return n, err == nil
	default:
		return 0, false
	}
}
