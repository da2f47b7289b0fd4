package validation

import (
	"reflect"
	"testing"
)

func TestAscendingInts(t *testing.T) {
	type record struct {
		Milestones string `validate:"ascending_ints"`
	}

	tests := []struct {
		value string
		valid bool
	}{
		{"2,4,6,8,12,15,18,20,22,24,26,30", true},
		{" 1, 2 ,3 ", true},
		{"", true},
		{"4,2", false},
		{"2,2", false},
		{"-1,2", false},
		{"a,b", false},
	}
	for _, tt := range tests {
		err := Validate.Struct(record{Milestones: tt.value})
		if (err == nil) != tt.valid {
			t.Errorf("%q: valid = %v, want %v (err %v)", tt.value, err == nil, tt.valid, err)
		}
	}
}

func TestCSVNonEmpty(t *testing.T) {
	type record struct {
		Layers string `validate:"csv_nonempty"`
	}
	if err := Validate.Struct(record{Layers: "pooler, cls"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Validate.Struct(record{Layers: " , ,"}); err == nil {
		t.Error("expected an error for a list of blanks")
	}
}

func TestSplitAndParse(t *testing.T) {
	if got := SplitCSV("a, b,,c "); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Errorf("SplitCSV = %v", got)
	}
	got, err := ParseInts("3, 1")
	if err != nil || !reflect.DeepEqual(got, []int{3, 1}) {
		t.Errorf("ParseInts = %v, %v", got, err)
	}
	if _, err := ParseInts("1,x"); err == nil {
		t.Error("expected a parse error")
	}
}
