package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	v, c, d := Info()
	switch {
	case v == "":
		t.Error("version should not be empty")
	case c == "":
		t.Error("commit should not be empty")
	case d == "":
		t.Error("date should not be empty")
	default:
		t.Log("version: ", v)
		t.Log("commit: ", c)
		t.Log("date: ", d)
	}
}

func TestService(t *testing.T) {
	if Service() == "" {
		t.Error("Service should not return empty string")
	}
}

func TestString(t *testing.T) {
	s := String()
	if s == "" {
		t.Fatal("String should not return empty string")
	}

	for _, field := range []string{"service=", "version=", "commit=", "date="} {
		if !strings.Contains(s, field) {
			t.Errorf("String should contain %q, got %q", field, s)
		}
	}
}

func TestStringMatchesInfo(t *testing.T) {
	v, c, d := Info()
	s := String()

	switch {
	case !strings.Contains(s, "version="+v):
		t.Errorf("String (%s) should carry Info version (%s)", s, v)
	case !strings.Contains(s, "commit="+c):
		t.Errorf("String (%s) should carry Info commit (%s)", s, c)
	case !strings.Contains(s, "date="+d):
		t.Errorf("String (%s) should carry Info date (%s)", s, d)
	}
}
