package bootconfig

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/remaster/internal/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func TestSetFieldBothSpellings(t *testing.T) {
	patch := SetField{Key: "timeout", Value: 50}

	lines := []string{
		"timeout 100",
		"set timeout=300",
		"  TIMEOUT 42",
		"prompt 1",
	}
	got := patch.Apply(lines)
	want := []string{
		"timeout 50",
		"set timeout=50",
		"  TIMEOUT 50",
		"prompt 1",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SetField produced %v, want %v", got, want)
	}
}

func TestSetFieldIgnoresNonNumericValue(t *testing.T) {
	patch := SetField{Key: "timeout", Value: 50}
	lines := []string{"timeout forever"}
	got := patch.Apply(lines)
	if got[0] != "timeout forever" {
		t.Errorf("SetField rewrote a non-numeric directive: %q", got[0])
	}
}

func TestRemoveTokenLiteralAndKeyValue(t *testing.T) {
	lines := []string{
		"append boot=live quiet splash toram",
		"linux /boot/vmlinuz quiet splash=silent",
		"menu label Start",
	}

	got := RemoveToken{Token: "quiet"}.Apply(lines)
	if got[0] != "append boot=live splash toram" {
		t.Errorf("Literal removal produced %q", got[0])
	}
	if got[2] != "menu label Start" {
		t.Errorf("Non-kernel line was modified: %q", got[2])
	}

	got = RemoveToken{Token: "splash="}.Apply(got)
	if got[1] != "linux /boot/vmlinuz" {
		t.Errorf("Key=value removal produced %q", got[1])
	}
	// A bare "splash" token does not match the "splash=" form.
	if got[0] != "append boot=live splash toram" {
		t.Errorf("Bare token was removed by key=value pattern: %q", got[0])
	}
}

func TestSubstituteTokenOnlyKernelLines(t *testing.T) {
	lines := []string{
		"  append boot=live live-media-path=/live/base.fs.tar.zst",
		"label base.fs.tar.zst",
	}
	patch := SubstituteToken{
		Old: "live-media-path=/live/base.fs.tar.zst",
		New: "live-media-path=/live/rootfs.fs.tar.zst",
	}
	got := patch.Apply(lines)
	if got[0] != "  append boot=live live-media-path=/live/rootfs.fs.tar.zst" {
		t.Errorf("Substitution produced %q", got[0])
	}
	if got[1] != "label base.fs.tar.zst" {
		t.Errorf("Non-kernel line was modified: %q", got[1])
	}
}

func TestSubstituteTokenRewritesEmbeddedReference(t *testing.T) {
	// A collapsed container rename must reach references buried inside
	// composite tokens, not only standalone ones.
	lines := []string{
		"  append boot=live live-media-path=/live/base.fs.tar.zst quiet",
		"linux /boot/vmlinuz root=live:/live/base.fs.tar.zst",
		"label base.fs.tar.zst",
	}
	patch := SubstituteToken{Old: "base.fs.tar.zst", New: "rootfs.fs.tar.zst"}

	got := patch.Apply(lines)
	if got[0] != "  append boot=live live-media-path=/live/rootfs.fs.tar.zst quiet" {
		t.Errorf("Embedded reference not rewritten: %q", got[0])
	}
	if got[1] != "linux /boot/vmlinuz root=live:/live/rootfs.fs.tar.zst" {
		t.Errorf("Embedded reference not rewritten: %q", got[1])
	}
	if got[2] != "label base.fs.tar.zst" {
		t.Errorf("Non-kernel line was modified: %q", got[2])
	}

	again := patch.Apply(got)
	if !reflect.DeepEqual(again, got) {
		t.Errorf("Second application changed the result: %v vs %v", again, got)
	}
}

func TestPatchesAreIdempotent(t *testing.T) {
	timeout := 25
	patches := Patches(types.BootConfigSpec{
		Timeout:      &timeout,
		RemoveTokens: []string{"quiet"},
		Substitutions: []types.TokenSubstitution{
			{Old: "toram", New: "toram=filesystem.squashfs"},
		},
	})

	lines := []string{
		"timeout 100",
		"append boot=live quiet toram",
	}
	once := lines
	for _, p := range patches {
		once = p.Apply(once)
	}
	twice := once
	for _, p := range patches {
		twice = p.Apply(twice)
	}
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Second application changed the result: %v vs %v", once, twice)
	}
}

func TestPatcherApplySkipsMissingAliases(t *testing.T) {
	tree := types.NewImageTree(t.TempDir())
	content := "timeout 100\nappend boot=live quiet\n"
	if err := tree.WriteFile("boot/syslinux/syslinux.cfg", []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fixture config: %v", err)
	}

	timeout := 10
	spec := types.BootConfigSpec{
		Paths: []string{
			"boot/syslinux/syslinux.cfg",
			"boot/isolinux/isolinux.cfg",
		},
		Timeout:      &timeout,
		RemoveTokens: []string{"quiet"},
	}

	patched, err := NewPatcher(testLogger()).Apply(tree, spec)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if patched != 1 {
		t.Errorf("Expected 1 patched file, got %d", patched)
	}

	data, err := tree.ReadFile("boot/syslinux/syslinux.cfg")
	if err != nil {
		t.Fatalf("Failed to read patched config: %v", err)
	}
	if !strings.Contains(string(data), "timeout 10") {
		t.Errorf("Timeout was not patched: %q", string(data))
	}
	if strings.Contains(string(data), "quiet") {
		t.Errorf("Token was not removed: %q", string(data))
	}
}

func TestPatcherApplyLeavesUnchangedFilesAlone(t *testing.T) {
	dir := t.TempDir()
	tree := types.NewImageTree(dir)
	content := "prompt 1\nmenu label Start\n"
	if err := tree.WriteFile("boot/syslinux/syslinux.cfg", []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fixture config: %v", err)
	}
	before, err := os.Stat(filepath.Join(dir, "boot/syslinux/syslinux.cfg"))
	if err != nil {
		t.Fatalf("Failed to stat fixture: %v", err)
	}

	spec := types.BootConfigSpec{
		Paths:        []string{"boot/syslinux/syslinux.cfg"},
		RemoveTokens: []string{"quiet"},
	}
	patched, err := NewPatcher(testLogger()).Apply(tree, spec)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if patched != 0 {
		t.Errorf("Expected no patched files, got %d", patched)
	}

	after, err := os.Stat(filepath.Join(dir, "boot/syslinux/syslinux.cfg"))
	if err != nil {
		t.Fatalf("Failed to stat fixture: %v", err)
	}
	if before.ModTime() != after.ModTime() || before.Size() != after.Size() {
		t.Errorf("Unchanged file was rewritten")
	}
}
