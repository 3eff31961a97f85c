package domain

import (
	"testing"
)

func TestParseComponentName(t *testing.T) {
	cases := []struct {
		in       string
		wantName string
		wantNum  int
		wantErr  bool
	}{
		{in: "stringHub#12", wantName: "stringHub", wantNum: 12},
		{in: "stringHub-12", wantName: "stringHub", wantNum: 12},
		{in: "eventBuilder", wantName: "eventBuilder", wantNum: 0},
		{in: "hub#x", wantName: "hub#x", wantNum: 0},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseComponentName(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseComponentName(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseComponentName(%q): %v", tc.in, err)
		}
		if got.Name != tc.wantName || got.Num != tc.wantNum {
			t.Errorf("ParseComponentName(%q) = %s#%d, want %s#%d",
				tc.in, got.Name, got.Num, tc.wantName, tc.wantNum)
		}
	}
}

func TestFullnameRoundTrip(t *testing.T) {
	for _, name := range []ComponentName{
		{Name: "stringHub", Num: 7},
		{Name: "globalTrigger", Num: 0},
	} {
		parsed, err := ParseComponentName(name.Fullname())
		if err != nil {
			t.Fatalf("reparse %q: %v", name.Fullname(), err)
		}
		if parsed != name {
			t.Errorf("round trip %q: got %+v", name.Fullname(), parsed)
		}
	}
}

func TestFormatComponentListCollapsesRanges(t *testing.T) {
	names := []ComponentName{
		{Name: "stringHub", Num: 3},
		{Name: "stringHub", Num: 1},
		{Name: "stringHub", Num: 2},
		{Name: "stringHub", Num: 5},
		{Name: "eventBuilder"},
	}
	got := FormatComponentList(names)
	want := "stringHub#1-3,5 eventBuilder"
	if got != want {
		t.Errorf("FormatComponentList = %q, want %q", got, want)
	}
}

func TestSortUnhealthy(t *testing.T) {
	records := []UnhealthyRecord{
		{Message: "b stalled", Order: 3},
		{Message: "a stalled", Order: 3},
		{Message: "hub quiet", Order: 1},
	}
	SortUnhealthy(records)
	if records[0].Order != 1 {
		t.Fatalf("lowest order first, got %+v", records[0])
	}
	if records[1].Message != "a stalled" || records[2].Message != "b stalled" {
		t.Errorf("ties not broken by message: %+v", records)
	}
}

func TestUnhealthyRecordString(t *testing.T) {
	rec := UnhealthyRecord{Message: "hub quiet", Order: 2}
	if got := rec.String(); got != "#2: hub quiet" {
		t.Errorf("String() = %q", got)
	}
}
