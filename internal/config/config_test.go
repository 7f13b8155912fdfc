package config

import (
	"strings"
	"testing"
)

func TestNewEnvTableSeedsDefaults(t *testing.T) {
	e := NewEnvTable()
	for name, want := range DefaultEnv {
		if got := e.Get(name); got != want {
			t.Fatalf("Get(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestEnvTableSetRejectsOversizedName(t *testing.T) {
	e := NewEnvTable()
	longName := strings.Repeat("x", MaxNameLen+1)

	if err := e.Set(longName, "v"); err == nil {
		t.Fatal("expected error for oversized name")
	}
}

func TestEnvTableSetEnforcesLimit(t *testing.T) {
	e := &EnvTable{vars: make(map[string]string)}

	for i := 0; i < MaxEnvEntries; i++ {
		if err := e.Set(string(rune('a'+i%26))+string(rune('0'+i/26)), "v"); err != nil {
			t.Fatalf("Set %d: %v", i, err)
		}
	}

	if err := e.Set("overflow", "v"); err == nil {
		t.Fatal("expected ErrLimit once table is full")
	}
}

func TestLoadEnvFileSkipsCommentsAndBlanks(t *testing.T) {
	e := &EnvTable{vars: make(map[string]string)}
	input := "# comment\n\nFOO=bar\nBAZ=qux\n"

	if err := e.LoadEnvFile(strings.NewReader(input)); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}

	if e.Get("FOO") != "bar" || e.Get("BAZ") != "qux" {
		t.Fatalf("entries = %v", e.Entries())
	}
}

func TestRunStartupScriptAppliesSetDirectives(t *testing.T) {
	e := &EnvTable{vars: make(map[string]string)}
	input := "# init\nset NAME=value\nignored line\nset OTHER=thing\n"

	if err := e.RunStartupScript(strings.NewReader(input)); err != nil {
		t.Fatalf("RunStartupScript: %v", err)
	}

	if e.Get("NAME") != "value" || e.Get("OTHER") != "thing" {
		t.Fatalf("entries = %v", e.Entries())
	}
}

func TestLoadUserDBParsesRecords(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	input := "root:" + hash + ":0:0:/root:/bin/aosh:0\n"

	db, err := LoadUserDB(strings.NewReader(input))
	if err != nil {
		t.Fatalf("LoadUserDB: %v", err)
	}

	u, ok := db.Lookup("root")
	if !ok {
		t.Fatal("root not found")
	}

	if u.UID != 0 || u.Shell != "/bin/aosh" {
		t.Fatalf("user = %+v", u)
	}
}

func TestParseTimezoneReturnsFirstLine(t *testing.T) {
	tz, err := ParseTimezone(strings.NewReader("# comment\nAmerica/New_York\n"))
	if err != nil {
		t.Fatalf("ParseTimezone: %v", err)
	}

	if tz != "America/New_York" {
		t.Fatalf("tz = %q", tz)
	}
}
