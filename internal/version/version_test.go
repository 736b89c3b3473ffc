package version

import (
	"strings"
	"testing"
)

func TestPseudoVersion(t *testing.T) {
	v := vcsInfo{revision: "0123456789abcdef", time: "2026-03-01T10:20:30Z", modified: true}
	if got := v.pseudoVersion(); got != "v0.0.0-20260301102030-0123456789ab+dirty" {
		t.Fatalf("pseudo version=%q", got)
	}
	if got := (vcsInfo{revision: "abc"}).pseudoVersion(); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
}

func TestBuildVersionOverride(t *testing.T) {
	prev := buildVersion
	t.Cleanup(func() { buildVersion = prev })
	buildVersion = "v1.2.3"
	if got := Current(); got != "v1.2.3" {
		t.Fatalf("current=%q", got)
	}
	info := Read()
	if info.Version != "v1.2.3" || info.GoVersion == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if !strings.Contains(info.String(), "v1.2.3") {
		t.Fatalf("summary %q lacks version", info.String())
	}
}

func TestInfoStringShortensRevision(t *testing.T) {
	info := Info{Version: "v1", Module: "m", Revision: "0123456789abcdef", Modified: true, GoVersion: "go1.25"}
	if got := info.String(); got != "m v1 (0123456789ab, dirty) go1.25" {
		t.Fatalf("string=%q", got)
	}
}
