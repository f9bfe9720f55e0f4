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

package core

// Marking is the token state of one net instance: a multiset of
// tokens over conditions, plus the live work items per task.
//
// A Marking is pure data.  Only a Runner mutates one, and only while
// the engine holds the owning case's lock.
type Marking struct {
	// Tokens maps a condition id to its token count.  Conditions
	// with no tokens are absent.
	Tokens map[string]int `json:"tokens"`

	// Active maps a task id to the ids of its live work items, in
	// creation order.  Tasks with no live items are absent.
	Active map[string][]string `json:"active,omitempty"`
}

func NewMarking() *Marking {
	return &Marking{
		Tokens: make(map[string]int),
		Active: make(map[string][]string),
	}
}

// Copy makes a deep copy.
func (m *Marking) Copy() *Marking {
	if m == nil {
		return nil
	}
	acc := &Marking{
		Tokens: make(map[string]int, len(m.Tokens)),
		Active: make(map[string][]string, len(m.Active)),
	}
	for c, n := range m.Tokens {
		acc.Tokens[c] = n
	}
	for t, ids := range m.Active {
		acc.Active[t] = append([]string{}, ids...)
	}
	return acc
}

// Count returns the number of tokens on the given condition.
func (m *Marking) Count(cond string) int {
	return m.Tokens[cond]
}

// Marked reports whether the given condition holds at least one
// token.
func (m *Marking) Marked(cond string) bool {
	return 0 < m.Tokens[cond]
}

// Total returns the total number of tokens anywhere in the marking.
func (m *Marking) Total() int {
	total := 0
	for _, n := range m.Tokens {
		total += n
	}
	return total
}

// produce adds tokens.
func (m *Marking) produce(cond string, n int) {
	if n == 0 {
		return
	}
	m.Tokens[cond] += n
}

// consume removes tokens, removing the map entry when the count
// reaches zero.  Consuming more tokens than a condition holds just
// empties the condition; an event's delta is trusted.
func (m *Marking) consume(cond string, n int) {
	have := m.Tokens[cond]
	if have <= n {
		delete(m.Tokens, cond)
		return
	}
	m.Tokens[cond] = have - n
}

// addItem records a live work item for the task.
func (m *Marking) addItem(task, id string) {
	m.Active[task] = append(m.Active[task], id)
}

// removeItem forgets a work item, preserving the order of the rest.
func (m *Marking) removeItem(task, id string) {
	ids := m.Active[task]
	for i, x := range ids {
		if x == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.Active, task)
		return
	}
	m.Active[task] = ids
}

// busy reports whether the task has any live work items.
func (m *Marking) busy(task string) bool {
	return 0 < len(m.Active[task])
}
