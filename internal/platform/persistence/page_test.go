package persistence

import (
	"errors"
	"testing"
)

func TestPage_Bounds(t *testing.T) {
	tests := []struct {
		name       string
		page       Page
		total      int
		wantOffset int
		wantErr    bool
	}{
		{"first page", Page{1, 10}, 25, 0, false},
		{"middle page", Page{2, 10}, 25, 10, false},
		{"short last page", Page{3, 10}, 25, 20, false},
		{"exact last page", Page{3, 10}, 30, 20, false},
		{"page zero", Page{0, 10}, 25, 0, true},
		{"negative page", Page{-1, 10}, 25, 0, true},
		{"past last page", Page{4, 10}, 25, 0, true},
		{"past exact last page", Page{4, 10}, 30, 0, true},
		{"empty result first page", Page{1, 10}, 0, 0, false},
		{"empty result second page", Page{2, 10}, 0, 0, true},
		{"zero size", Page{1, 0}, 5, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, limit, err := tt.page.Bounds(tt.total)
			if tt.wantErr {
				if !errors.Is(err, ErrPageOutOfRange) {
					t.Errorf("err = %v, want ErrPageOutOfRange", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Bounds: %v", err)
			}
			if offset != tt.wantOffset || limit != tt.page.Size {
				t.Errorf("Bounds = (%d, %d), want (%d, %d)", offset, limit, tt.wantOffset, tt.page.Size)
			}
		})
	}
}

func TestPage_SlicesAreDisjointAndCoverAll(t *testing.T) {
	const total, size = 23, 5
	rows := make([]int, total)
	for i := range rows {
		rows[i] = i
	}

	seen := make(map[int]bool)
	last := Page{Size: size}.LastPage(total)
	prev := -1
	for n := 1; n <= last; n++ {
		offset, limit, err := Page{n, size}.Bounds(total)
		if err != nil {
			t.Fatalf("page %d: %v", n, err)
		}
		end := offset + limit
		if end > total {
			end = total
		}
		slice := rows[offset:end]
		if n < last && len(slice) != size {
			t.Errorf("page %d has %d rows, want %d", n, len(slice), size)
		}
		for _, r := range slice {
			if seen[r] {
				t.Errorf("row %d on two pages", r)
			}
			if r <= prev {
				t.Errorf("row %d out of order after %d", r, prev)
			}
			seen[r] = true
			prev = r
		}
	}
	if len(seen) != total {
		t.Errorf("pages covered %d rows, want %d", len(seen), total)
	}
	if _, _, err := (Page{last + 1, size}).Bounds(total); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("page %d: err = %v", last+1, err)
	}
}
