package version_test

import (
	"runtime/debug"
	"strings"
	"testing"

	v "github.com/keithlinneman/linnemanlabs-ota/internal/version"
)

func TestVCSDirtyTriState(t *testing.T) {
	orig := v.VCSDirty
	t.Cleanup(func() { v.VCSDirty = orig })

	// test binaries carry no vcs settings, so the stamped value survives
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.modified" {
				t.Skip("binary has vcs info")
			}
		}
	}

	v.VCSDirty = nil
	if info := v.Get(); info.VCSDirty != nil {
		t.Fatalf("VCSDirty = %v, want nil", info.VCSDirty)
	}

	trueVal := true
	v.VCSDirty = &trueVal
	if info := v.Get(); info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}

	falseVal := false
	v.VCSDirty = &falseVal
	if info := v.Get(); info.VCSDirty == nil || *info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want false", info.VCSDirty)
	}
}

func TestInfoString(t *testing.T) {
	dirty := true
	info := v.Info{
		Version:   "v1.4.0",
		Commit:    "0123456789abcdef0123",
		BuildDate: "2026-01-02T03:04:05Z",
		GoVersion: "go1.25.0",
		VCSDirty:  &dirty,
	}
	got := info.String()
	for _, want := range []string{"v1.4.0", "commit 0123456789ab,", "dirty", "built 2026-01-02T03:04:05Z", "go1.25.0"} {
		if !strings.Contains(got, want) {
			t.Errorf("String() = %q, missing %q", got, want)
		}
	}
	if short := (v.Info{Commit: "abc"}).ShortCommit(); short != "abc" {
		t.Fatalf("ShortCommit = %q", short)
	}
}

func TestUserAgent(t *testing.T) {
	orig := v.Version
	t.Cleanup(func() { v.Version = orig })
	v.Version = "v9.9.9"
	if ua := v.UserAgent(); ua != "otactl/v9.9.9" {
		t.Fatalf("UserAgent = %q", ua)
	}
}
