package paging

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func listing(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("file:///data/%03d.txt", i)
	}
	return out
}

func ident(s string) string { return s }

func TestPaginate_FullWalkNoGapsNoDuplicates(t *testing.T) {
	const size = 10
	for _, n := range []int{0, 1, size, size + 1, 25} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			items := listing(n)
			got, err := All(items, size, ident)
			if err != nil {
				t.Fatalf("All: %v", err)
			}
			if len(got) != n {
				t.Fatalf("len = %d, want %d", len(got), n)
			}
			seen := make(map[string]bool)
			for i, v := range got {
				if v != items[i] {
					t.Errorf("item %d = %q, want %q", i, v, items[i])
				}
				if seen[v] {
					t.Errorf("duplicate %q", v)
				}
				seen[v] = true
			}
		})
	}
}

func TestPaginate_PageSizes(t *testing.T) {
	items := listing(25)
	var sizes []int
	cursor := ""
	for {
		p, err := Paginate(items, cursor, 10, ident)
		if err != nil {
			t.Fatalf("Paginate: %v", err)
		}
		if p.Total != 25 {
			t.Errorf("Total = %d, want 25", p.Total)
		}
		sizes = append(sizes, len(p.Items))
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	if fmt.Sprint(sizes) != "[10 10 5]" {
		t.Errorf("page sizes = %v, want [10 10 5]", sizes)
	}
}

func TestPaginate_CursorStableWhileDataUnchanged(t *testing.T) {
	items := listing(30)
	first, err := Paginate(items, "", 10, ident)
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}

	// Replaying the same cursor twice yields the same page.
	a, err := Paginate(items, first.NextCursor, 10, ident)
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	b, err := Paginate(append([]string(nil), items...), first.NextCursor, 10, ident)
	if err != nil {
		t.Fatalf("Paginate with equal copy: %v", err)
	}
	if a.Items[0] != b.Items[0] || a.NextCursor != b.NextCursor {
		t.Errorf("replayed cursor returned different pages: %v vs %v", a.Items[0], b.Items[0])
	}

	changed := append(listing(30), "file:///data/new.txt")
	if _, err := Paginate(changed, first.NextCursor, 10, ident); !errors.Is(err, ErrStaleCursor) {
		t.Errorf("cursor on changed listing: err = %v, want ErrStaleCursor", err)
	}
}

func TestPaginate_InvalidCursor(t *testing.T) {
	for _, c := range []string{"not base64!!", "AAAA", strings.Repeat("A", 40)} {
		if _, err := Paginate(listing(3), c, 2, ident); err == nil {
			t.Errorf("Paginate(cursor=%q) succeeded, want error", c)
		}
	}
}

func TestText_SplitsOnRunes(t *testing.T) {
	s := strings.Repeat("héllo ", 10)
	var b strings.Builder
	cursor := ""
	pages := 0
	for {
		p, err := Text(s, cursor, 7)
		if err != nil {
			t.Fatalf("Text: %v", err)
		}
		pages++
		for _, chunk := range p.Items {
			b.WriteString(chunk)
		}
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}
	if b.String() != s {
		t.Errorf("reassembled text mismatch")
	}
	if pages != 9 {
		t.Errorf("pages = %d, want 9 (60 runes / 7)", pages)
	}
}
