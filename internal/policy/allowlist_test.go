package policy

import "testing"

func TestCompileExtMatching(t *testing.T) {
	al, err := CompileExt([]string{"chat:send", "game:*"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if al.Empty() {
		t.Fatal("list is not empty")
	}
	cases := []struct {
		svc, typ string
		want     bool
	}{
		{"chat", "send", true},
		{"chat", "history", false},
		{"game", "input", true},
		{"game", "anything", true},
		{"admin", "send", false},
	}
	for _, tc := range cases {
		if got := al.Allows(tc.svc, tc.typ); got != tc.want {
			t.Fatalf("Allows(%s,%s) = %v, want %v", tc.svc, tc.typ, got, tc.want)
		}
	}
}

func TestCompileExtGlobalWildcard(t *testing.T) {
	al, err := CompileExt([]string{"*"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !al.Allows("anything", "at_all") {
		t.Fatal("global wildcard should allow everything")
	}
}

func TestCompileExtMalformed(t *testing.T) {
	for _, e := range []string{"chat", "chat:", ":send", ""} {
		if _, err := CompileExt([]string{e}); err == nil {
			t.Fatalf("entry %q should fail compilation", e)
		}
	}
}

func TestCompileHotMatching(t *testing.T) {
	al, err := CompileHot([]string{"1:2", "3:*"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !al.Allows(1, 2) || al.Allows(1, 3) {
		t.Fatal("exact match broken")
	}
	if !al.Allows(3, 200) {
		t.Fatal("svc wildcard broken")
	}
	if al.Allows(2, 2) {
		t.Fatal("unlisted svc should be denied")
	}
}

func TestCompileHotMalformed(t *testing.T) {
	for _, e := range []string{"1", "256:1", "1:256", "x:1", "1:y"} {
		if _, err := CompileHot([]string{e}); err == nil {
			t.Fatalf("entry %q should fail compilation", e)
		}
	}
}

func TestEmptyListsDeny(t *testing.T) {
	ext, _ := CompileExt(nil)
	if !ext.Empty() || ext.Allows("chat", "send") {
		t.Fatal("empty ext allowlist must deny")
	}
	hot, _ := CompileHot(nil)
	if !hot.Empty() || hot.Allows(1, 1) {
		t.Fatal("empty hot allowlist must deny")
	}
}
