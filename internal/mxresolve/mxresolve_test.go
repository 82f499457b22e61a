package mxresolve

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSortOrdersByPreferenceThenExchange(t *testing.T) {
	in := []MxCandidate{
		{Preference: 20, Exchange: "b.example", Address: "1.1.1.1:25"},
		{Preference: 10, Exchange: "z.example", Address: "2.2.2.2:25"},
		{Preference: 10, Exchange: "a.example", Address: "3.3.3.3:25"},
	}

	got := Sort(in)
	want := []MxCandidate{
		{Preference: 10, Exchange: "a.example", Address: "3.3.3.3:25"},
		{Preference: 10, Exchange: "z.example", Address: "2.2.2.2:25"},
		{Preference: 20, Exchange: "b.example", Address: "1.1.1.1:25"},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Sort mismatch (-want +got):\n%s", diff)
	}
}

func TestSortDedupesExactDuplicates(t *testing.T) {
	in := []MxCandidate{
		{Preference: 10, Exchange: "a.example", Address: "1.1.1.1:25"},
		{Preference: 10, Exchange: "a.example", Address: "1.1.1.1:25"},
	}

	got := Sort(in)
	if len(got) != 1 {
		t.Fatalf("expected duplicates removed, got %d candidates", len(got))
	}
}

type fakeResolver struct {
	candidates []MxCandidate
	err        error
}

func (f fakeResolver) Resolve(domain string) ([]MxCandidate, error) {
	return f.candidates, f.err
}

func TestSelectAndConnectTriesCandidatesInOrder(t *testing.T) {
	r := fakeResolver{candidates: []MxCandidate{
		{Preference: 10, Exchange: "primary.example", Address: "1.1.1.1:25"},
		{Preference: 20, Exchange: "backup.example", Address: "2.2.2.2:25"},
	}}

	var tried []string
	selected, attempted, err := SelectAndConnect(r, "example.com", func(c MxCandidate) error {
		tried = append(tried, c.Exchange)
		return nil
	})
	if err != nil {
		t.Fatalf("SelectAndConnect: %v", err)
	}
	if attempted != 1 {
		t.Errorf("attempted = %d, want 1", attempted)
	}
	if selected.Exchange != "primary.example" {
		t.Errorf("selected = %q, want primary.example", selected.Exchange)
	}
	if len(tried) != 1 || tried[0] != "primary.example" {
		t.Errorf("tried = %v, want [primary.example]", tried)
	}
}

func TestSelectAndConnectFailsOverAndPreservesLastError(t *testing.T) {
	r := fakeResolver{candidates: []MxCandidate{
		{Preference: 10, Exchange: "primary.example", Address: "1.1.1.1:25"},
		{Preference: 20, Exchange: "backup.example", Address: "2.2.2.2:25"},
	}}

	_, attempted, err := SelectAndConnect(r, "example.com", func(c MxCandidate) error {
		return fmt.Errorf("refused by %s", c.Exchange)
	})
	if attempted != 2 {
		t.Errorf("attempted = %d, want 2", attempted)
	}
	if err == nil {
		t.Fatal("expected an error once every candidate fails")
	}

	wantSubstr := "backup.example"
	if got := err.Error(); !contains(got, wantSubstr) {
		t.Errorf("error %q does not reflect last candidate tried (%s)", got, wantSubstr)
	}
}

func TestSelectAndConnectNoMXRecords(t *testing.T) {
	r := fakeResolver{candidates: nil}

	_, attempted, err := SelectAndConnect(r, "example.com", func(c MxCandidate) error {
		return nil
	})
	if attempted != 0 {
		t.Errorf("attempted = %d, want 0", attempted)
	}
	if err == nil {
		t.Fatal("expected an error for a domain with no MX records")
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
