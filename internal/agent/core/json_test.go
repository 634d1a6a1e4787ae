package core

import "testing"

func TestExtractFirstJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"Here is the result:\n```json\n{\"a\":1}\n```\nDone.", `{"a":1}`},
		{`prefix {"a":{"b":"}"}} suffix`, `{"a":{"b":"}"}}`},
		{`{"s":"brace \" in {string}"}`, `{"s":"brace \" in {string}"}`},
	}
	for _, c := range cases {
		got, err := extractFirstJSON(c.in)
		if err != nil {
			t.Fatalf("extractFirstJSON(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("extractFirstJSON(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	for _, bad := range []string{"no json here", "{unbalanced"} {
		if _, err := extractFirstJSON(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}
