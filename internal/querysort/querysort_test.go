package querysort

import (
	"reflect"
	"testing"
	"time"
)

type channel struct {
	Name          string
	MemberCount   int
	LastMessageAt *time.Time
	Extra         map[string]any
}

func channelSorter() *Sorter[channel] {
	return New[channel]().
		Register("name", func(c channel) any { return c.Name }).
		Register("member_count", func(c channel) any { return c.MemberCount }).
		Register("last_message_at", func(c channel) any {
			if c.LastMessageAt == nil {
				return nil
			}
			return *c.LastMessageAt
		}).
		WithExtraData(func(c channel) map[string]any { return c.Extra })
}

func names(chans []channel) []string {
	out := make([]string, len(chans))
	for i, c := range chans {
		out[i] = c.Name
	}
	return out
}

func TestSortSingleKeyAsc(t *testing.T) {
	chans := []channel{{Name: "c"}, {Name: "a"}, {Name: "b"}}

	channelSorter().Asc("name").Sort(chans)

	if got := names(chans); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("sorted = %v", got)
	}
}

func TestSortMultiKey(t *testing.T) {
	chans := []channel{
		{Name: "b", MemberCount: 5},
		{Name: "a", MemberCount: 10},
		{Name: "c", MemberCount: 10},
	}

	// member_count desc first, then name asc as tiebreak.
	channelSorter().Desc("member_count").Asc("name").Sort(chans)

	if got := names(chans); !reflect.DeepEqual(got, []string{"a", "c", "b"}) {
		t.Errorf("sorted = %v", got)
	}
}

// Null ordering: nulls sort first ascending and last descending, for every
// comparable type.
func TestNullOrdering(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	chans := []channel{
		{Name: "with", LastMessageAt: &ts},
		{Name: "without"},
	}

	t.Run("ascending nulls first", func(t *testing.T) {
		c := []channel{chans[0], chans[1]}
		channelSorter().Asc("last_message_at").Sort(c)
		if c[0].Name != "without" {
			t.Errorf("first = %q, want without (null first)", c[0].Name)
		}
	})

	t.Run("descending nulls last", func(t *testing.T) {
		c := []channel{chans[1], chans[0]}
		channelSorter().Desc("last_message_at").Sort(c)
		if c[1].Name != "without" {
			t.Errorf("last = %q, want without (null last)", c[1].Name)
		}
	})

	t.Run("pairwise contract", func(t *testing.T) {
		tests := []struct {
			name string
			a, b any
			d    Direction
			want int
		}{
			{"both nil", nil, nil, Asc, 0},
			{"nil vs int asc", nil, 5, Asc, -1},
			{"int vs nil asc", 5, nil, Asc, 1},
			{"nil vs int desc", nil, 5, Desc, 1},
			{"int vs nil desc", 5, nil, Desc, -1},
			{"nil vs string asc", nil, "x", Asc, -1},
			{"nil vs time desc", nil, ts, Desc, 1},
		}
		for _, tt := range tests {
			if got := compareValues(tt.a, tt.b, tt.d); got != tt.want {
				t.Errorf("%s: compareValues = %d, want %d", tt.name, got, tt.want)
			}
		}
	})
}

// Sorting by an unsupported field must leave relative order unchanged and
// never panic.
func TestUnknownFieldIsStableNoOp(t *testing.T) {
	chans := []channel{{Name: "z"}, {Name: "a"}, {Name: "m"}}

	channelSorter().Asc("no_such_field").Sort(chans)

	if got := names(chans); !reflect.DeepEqual(got, []string{"z", "a", "m"}) {
		t.Errorf("order changed: %v", got)
	}
}

func TestExtraDataTakesPrecedence(t *testing.T) {
	chans := []channel{
		{Name: "a", MemberCount: 1, Extra: map[string]any{"member_count": 99}},
		{Name: "b", MemberCount: 50},
	}

	// Under extra-data precedence, a's member_count reads as 99, not 1.
	channelSorter().Desc("member_count").Sort(chans)

	if chans[0].Name != "a" {
		t.Errorf("first = %q, want a (extra data 99 beats field 50)", chans[0].Name)
	}
}

func TestExtraDataOnlyField(t *testing.T) {
	chans := []channel{
		{Name: "low", Extra: map[string]any{"priority": 1}},
		{Name: "high", Extra: map[string]any{"priority": 10}},
		{Name: "none"},
	}

	channelSorter().Desc("priority").Sort(chans)

	if got := names(chans); !reflect.DeepEqual(got, []string{"high", "low", "none"}) {
		t.Errorf("sorted = %v", got)
	}
}

func TestMixedNumericTypes(t *testing.T) {
	if compareValues(int64(3), 4.5, Asc) != -1 {
		t.Error("int64(3) should sort before 4.5")
	}
	if compareValues(7, int32(7), Asc) != 0 {
		t.Error("7 and int32(7) should compare equal")
	}
}

func TestDTORoundTrip(t *testing.T) {
	s := channelSorter().Desc("last_message_at").Asc("name")

	dto := s.ToDTO()
	want := []SortParam{
		{Field: "last_message_at", Direction: -1},
		{Field: "name", Direction: 1},
	}
	if !reflect.DeepEqual(dto, want) {
		t.Errorf("ToDTO() = %v, want %v", dto, want)
	}

	rebuilt := channelSorter().FromDTO(dto)
	if !reflect.DeepEqual(rebuilt.ToDTO(), dto) {
		t.Errorf("round trip = %v, want %v", rebuilt.ToDTO(), dto)
	}
}

func TestCompareIsStableUnderEqualKeys(t *testing.T) {
	a := channel{Name: "same", MemberCount: 3}
	b := channel{Name: "same", MemberCount: 3}
	if got := channelSorter().Asc("name").Asc("member_count").Compare(a, b); got != 0 {
		t.Errorf("Compare(equal, equal) = %d, want 0", got)
	}
}
