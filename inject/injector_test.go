package inject

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	remastererrors "github.com/bibin-skaria/remaster/internal/errors"
	"github.com/bibin-skaria/remaster/internal/types"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func fixtureTree(t *testing.T) *types.ImageTree {
	t.Helper()
	tree := types.NewImageTree(t.TempDir())
	files := map[string]string{
		"etc/hostname":              "old\n",
		"usr/share/doc/pkg/README":  "docs\n",
		"usr/share/doc/pkg/CHANGES": "changes\n",
		"home/user/leftover.desktop": "entry\n",
	}
	for rel, content := range files {
		if err := tree.WriteFile(rel, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", rel, err)
		}
	}
	return tree
}

func TestApplyRemovalsGlobAndBasename(t *testing.T) {
	tree := fixtureTree(t)
	injector := NewInjector(testLogger())

	removed, err := injector.ApplyRemovals(tree, []string{"usr/share/doc/*", "*.desktop"})
	if err != nil {
		t.Fatalf("ApplyRemovals failed: %v", err)
	}
	if removed == 0 {
		t.Fatalf("Expected removals, got none")
	}

	if tree.Exists("usr/share/doc/pkg") {
		t.Errorf("Anchored glob did not remove the doc tree")
	}
	if tree.Exists("home/user/leftover.desktop") {
		t.Errorf("Basename glob did not remove the desktop entry")
	}
	if !tree.Exists("etc/hostname") {
		t.Errorf("Unmatched file was removed")
	}
}

func TestApplyRemovalsRejectsInvalidPattern(t *testing.T) {
	tree := fixtureTree(t)
	injector := NewInjector(testLogger())

	if _, err := injector.ApplyRemovals(tree, []string{"[unterminated"}); err == nil {
		t.Errorf("Expected an error for an invalid pattern")
	}
}

func TestApplyRemovesBeforeInjecting(t *testing.T) {
	tree := fixtureTree(t)
	injector := NewInjector(testLogger())
	collector := remastererrors.NewCollector()

	// The mutation list puts the removal after the injection; the fixed
	// phase order must still leave the injected file in place.
	spec := &types.MutationSpec{
		Mutations: []types.Mutation{
			{Op: types.MutationOpInject, Path: "etc/hostname", Content: []byte("remastered\n"), Mode: 0644},
			{Op: types.MutationOpRemove, Pattern: "etc/hostname"},
		},
	}
	if err := injector.Apply(context.Background(), tree, spec, collector); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	data, err := tree.ReadFile("etc/hostname")
	if err != nil {
		t.Fatalf("Injected file is missing: %v", err)
	}
	if string(data) != "remastered\n" {
		t.Errorf("Injected content mismatch: %q", string(data))
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	tree := fixtureTree(t)
	injector := NewInjector(testLogger())

	spec := &types.MutationSpec{
		Mutations: []types.Mutation{
			{Op: types.MutationOpRemove, Pattern: "*.desktop"},
			{Op: types.MutationOpInject, Path: "etc/issue", Content: []byte("welcome\n"), Mode: 0600},
		},
	}
	for i := 0; i < 2; i++ {
		if err := injector.Apply(context.Background(), tree, spec, remastererrors.NewCollector()); err != nil {
			t.Fatalf("Apply round %d failed: %v", i+1, err)
		}
	}

	data, err := tree.ReadFile("etc/issue")
	if err != nil {
		t.Fatalf("Failed to read injected file: %v", err)
	}
	if string(data) != "welcome\n" {
		t.Errorf("Injected content mismatch after second apply: %q", string(data))
	}
	abs, err := tree.Abs("etc/issue")
	if err != nil {
		t.Fatalf("Abs failed: %v", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		t.Fatalf("Failed to stat injected file: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestApplyReadsPayloadFiles(t *testing.T) {
	tree := fixtureTree(t)
	injector := NewInjector(testLogger())

	payloadDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(payloadDir, "banner.txt"), []byte("payload\n"), 0644); err != nil {
		t.Fatalf("Failed to write payload: %v", err)
	}

	spec := &types.MutationSpec{
		PayloadDir: payloadDir,
		Mutations: []types.Mutation{
			{Op: types.MutationOpReplace, Path: "etc/banner", Source: "banner.txt"},
		},
	}
	if err := injector.Apply(context.Background(), tree, spec, remastererrors.NewCollector()); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	data, err := tree.ReadFile("etc/banner")
	if err != nil {
		t.Fatalf("Failed to read injected file: %v", err)
	}
	if string(data) != "payload\n" {
		t.Errorf("Payload content mismatch: %q", string(data))
	}
}

func TestApplyFailsWithoutContentOrSource(t *testing.T) {
	tree := fixtureTree(t)
	injector := NewInjector(testLogger())

	spec := &types.MutationSpec{
		Mutations: []types.Mutation{
			{Op: types.MutationOpInject, Path: "etc/empty"},
		},
	}
	err := injector.Apply(context.Background(), tree, spec, remastererrors.NewCollector())
	if err == nil {
		t.Fatalf("Expected an error for a contentless injection")
	}
	if !remastererrors.IsKind(err, remastererrors.ErrorKindValidation) {
		t.Errorf("Expected a validation error, got %v", err)
	}
}
