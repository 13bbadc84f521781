package permission

import (
	"slices"
	"testing"
)

func TestMissingKeepsOrder(t *testing.T) {
	c := NewStatic(FineLocation, Scan)

	got := Missing(c, Required...)
	want := []string{Scan, FineLocation}
	if !slices.Equal(got, want) {
		t.Errorf("Missing() = %v, want %v", got, want)
	}
}

func TestMissingNoneDenied(t *testing.T) {
	if got := Missing(NewStatic(), Required...); len(got) != 0 {
		t.Errorf("Missing() = %v, want empty", got)
	}
}

func TestStaticGrantDeny(t *testing.T) {
	c := NewStatic()
	c.Deny(Connect)
	if c.Granted(Connect) {
		t.Fatal("Connect granted after Deny")
	}
	c.Grant(Connect)
	if !c.Granted(Connect) {
		t.Fatal("Connect denied after Grant")
	}
}

func TestSystemDenyListWins(t *testing.T) {
	s := &System{static: NewStatic(CoarseLocation), radio: true}

	tests := []struct {
		perm string
		want bool
	}{
		{Connect, true},
		{Scan, true},
		{CoarseLocation, false},
		{FineLocation, true},
	}
	for _, tt := range tests {
		if got := s.Granted(tt.perm); got != tt.want {
			t.Errorf("Granted(%s) = %v, want %v", tt.perm, got, tt.want)
		}
	}
}

func TestSystemWithoutRadioAccess(t *testing.T) {
	s := &System{static: NewStatic(), radio: false}
	if got := Missing(s, Required...); !slices.Equal(got, []string{Connect, Scan}) {
		t.Errorf("Missing() = %v", got)
	}
}
