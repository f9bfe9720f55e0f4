package match

import (
	"testing"

	. "github.com/Comcast/loom/util/testutil"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		fact    string
		want    string
	}{
		{"literal string", `"chips"`, `"chips"`, `[{}]`},
		{"literal miss", `"chips"`, `"salsa"`, `[]`},
		{"variable", `"?x"`, `"queso"`, `[{"?x":"queso"}]`},
		{"variable binds structure", `"?x"`, `{"deep":["stuff"]}`, `[{"?x":{"deep":["stuff"]}}]`},
		{"anonymous", `"?"`, `{"deep":["stuff"]}`, `[{}]`},
		{"escaped question", `"??x"`, `"?x"`, `[{}]`},
		{"escaped question miss", `"??x"`, `"x"`, `[]`},
		{"number", `1`, `1.0`, `[{}]`},
		{"number miss", `1`, `2`, `[]`},
		{"bool", `true`, `true`, `[{}]`},
		{"bool miss", `true`, `false`, `[]`},
		{"null", `null`, `null`, `[{}]`},
		{"null miss", `null`, `0`, `[]`},
		{"map subset", `{"kind":"case-completed"}`,
			`{"kind":"case-completed","caseId":"c1","seq":9}`, `[{}]`},
		{"map variable", `{"kind":"?k"}`,
			`{"kind":"case-launched","caseId":"c1"}`, `[{"?k":"case-launched"}]`},
		{"map missing key", `{"tracking":"?t"}`, `{"kind":"case-launched"}`, `[]`},
		{"map two variables", `{"caseId":"?c","kind":"?k"}`,
			`{"kind":"task-fired","caseId":"c1"}`, `[{"?c":"c1","?k":"task-fired"}]`},
		{"same variable agrees", `{"from":"?x","to":"?x"}`, `{"from":"a","to":"a"}`, `[{"?x":"a"}]`},
		{"same variable disagrees", `{"from":"?x","to":"?x"}`, `{"from":"a","to":"b"}`, `[]`},
		{"nested map", `{"data":{"price":"?p"}}`,
			`{"data":{"price":100,"sku":"x"}}`, `[{"?p":100}]`},
		{"array literal", `["a"]`, `["b","a","c"]`, `[{}]`},
		{"array variable fans out", `["?x"]`, `["a","b"]`, `[{"?x":"a"},{"?x":"b"}]`},
		{"array constrains variable", `["?x","b"]`, `["a","b"]`, `[{"?x":"a"},{"?x":"b"}]`},
		{"array miss", `["z"]`, `["a","b"]`, `[]`},
		{"array against scalar", `["a"]`, `"a"`, `[]`},
		{"map against scalar", `{"a":1}`, `"a"`, `[]`},
		{"empty map", `{}`, `{"anything":1}`, `[{}]`},
		{"empty array", `[]`, `[1,2]`, `[{}]`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bss, err := Match(Dwimjs(tc.pattern), Dwimjs(tc.fact), nil)
			if err != nil {
				t.Fatal(err)
			}
			want := Dwimjs(tc.want).([]interface{})
			if len(bss) != len(want) {
				t.Fatalf("got %s, wanted %s", JS(bss), tc.want)
			}
			for i, bs := range bss {
				if JS(bs) != JS(want[i]) {
					t.Fatalf("bindings %d: got %s, wanted %s", i, JS(bs), JS(want[i]))
				}
			}
		})
	}
}

func TestMatchGivenBindings(t *testing.T) {
	bs := Bindings{"?x": "a"}

	bss, err := Match(Dwimjs(`{"to":"?x"}`), Dwimjs(`{"to":"a"}`), bs)
	if err != nil {
		t.Fatal(err)
	}
	if len(bss) != 1 {
		t.Fatalf("got %s", JS(bss))
	}

	bss, err = Match(Dwimjs(`{"to":"?x"}`), Dwimjs(`{"to":"b"}`), bs)
	if err != nil {
		t.Fatal(err)
	}
	if len(bss) != 0 {
		t.Fatalf("bound variable matched a different value: %s", JS(bss))
	}
}

func TestMatchDoesNotModify(t *testing.T) {
	bs := Bindings{"?x": "a"}
	if _, err := Match(Dwimjs(`{"who":"?who"}`), Dwimjs(`{"who":"homer"}`), bs); err != nil {
		t.Fatal(err)
	}
	if len(bs) != 1 {
		t.Fatalf("caller's bindings were modified: %s", JS(bs))
	}
}

func TestMatchBadPattern(t *testing.T) {
	if _, err := Match(struct{}{}, "x", nil); err == nil {
		t.Fatal("expected an error for a struct pattern")
	}
	if _, err := Match(Dwimjs(`{"a":"b"}`), Dwimjs(`{"a":"b"}`), nil); err != nil {
		t.Fatal(err)
	}
}

func TestEqual(t *testing.T) {
	if !Equal(1, 1.0) {
		t.Fatal("1 should equal 1.0")
	}
	if Equal(1, "1") {
		t.Fatal(`1 should not equal "1"`)
	}
	if !Equal(Dwimjs(`{"a":[1,2]}`), Dwimjs(`{"a":[1,2]}`)) {
		t.Fatal("structural equality failed")
	}
	if Equal(Dwimjs(`{"a":[1,2]}`), Dwimjs(`{"a":[2,1]}`)) {
		t.Fatal("array order should matter")
	}
	if Equal(Dwimjs(`{"a":1}`), Dwimjs(`{"a":1,"b":2}`)) {
		t.Fatal("extra keys should matter for equality")
	}
}

func TestIsVariable(t *testing.T) {
	for s, want := range map[string]bool{
		"?x":   true,
		"?":    true,
		"??x":  false,
		"x":    false,
		"x?":   false,
		"?who": true,
	} {
		if got := IsVariable(s); got != want {
			t.Fatalf("IsVariable(%q) = %v", s, got)
		}
	}
	if !IsAnonymous("?") || IsAnonymous("?x") {
		t.Fatal("anonymous variable confusion")
	}
}
