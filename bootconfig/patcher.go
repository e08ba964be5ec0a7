// Package bootconfig rewrites textual boot-menu configuration. The file is
// modeled as lines and patches are typed rather than raw substitutions, so
// applying a patch twice is always the same as applying it once.
package bootconfig

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	remastererrors "github.com/bibin-skaria/remaster/internal/errors"
	"github.com/bibin-skaria/remaster/internal/types"
)

const stageName = "bootconfig"

// Patch transforms the line model of one boot-menu file. A patch whose
// target is absent must leave the lines untouched.
type Patch interface {
	Apply(lines []string) []string
	String() string
}

// SetField sets a named numeric directive, e.g. the menu timeout. Both the
// "timeout 100" and the "set timeout=100" spellings are recognized.
type SetField struct {
	Key   string
	Value int
}

func (p SetField) String() string {
	return fmt.Sprintf("set-field %s=%d", p.Key, p.Value)
}

func (p SetField) Apply(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = line
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.EqualFold(fields[0], p.Key) && len(fields) == 2 {
			if _, err := strconv.Atoi(fields[1]); err == nil {
				out[i] = indent + fields[0] + " " + strconv.Itoa(p.Value)
			}
			continue
		}
		if strings.EqualFold(fields[0], "set") && len(fields) == 2 &&
			strings.HasPrefix(strings.ToLower(fields[1]), strings.ToLower(p.Key)+"=") {
			out[i] = indent + fields[0] + " " + p.Key + "=" + strconv.Itoa(p.Value)
		}
	}
	return out
}

// RemoveToken drops a token from every kernel parameter line. A token
// ending in "=" removes the whole key=value pair; otherwise the token is
// matched literally.
type RemoveToken struct {
	Token string
}

func (p RemoveToken) String() string {
	return fmt.Sprintf("remove-token %s", p.Token)
}

func (p RemoveToken) Apply(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = rewriteParams(line, func(token string) (string, bool) {
			if strings.HasSuffix(p.Token, "=") {
				if strings.HasPrefix(token, p.Token) {
					return "", false
				}
			} else if token == p.Token {
				return "", false
			}
			return token, true
		})
	}
	return out
}

// SubstituteToken replaces one literal kernel parameter token with
// another. A reference embedded inside a composite token, such as a
// container filename in a key=path parameter, is rewritten in place; a
// token already carrying the replacement is left alone so repeated
// application converges.
type SubstituteToken struct {
	Old string
	New string
}

func (p SubstituteToken) String() string {
	return fmt.Sprintf("substitute-token %s -> %s", p.Old, p.New)
}

func (p SubstituteToken) Apply(lines []string) []string {
	out := make([]string, len(lines))
	for i, line := range lines {
		out[i] = rewriteParams(line, func(token string) (string, bool) {
			if token == p.Old {
				return p.New, true
			}
			if strings.Contains(token, p.Old) && !strings.Contains(token, p.New) {
				return strings.ReplaceAll(token, p.Old, p.New), true
			}
			return token, true
		})
	}
	return out
}

// isKernelParamLine reports whether the line carries kernel parameters.
func isKernelParamLine(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToLower(fields[0]) {
	case "append", "linux", "linuxefi", "kernel":
		return true
	}
	return false
}

// rewriteParams maps fn over the parameter tokens of a kernel line. The
// line is returned verbatim when nothing changed, so untouched files stay
// byte-identical.
func rewriteParams(line string, fn func(token string) (string, bool)) string {
	if !isKernelParamLine(line) {
		return line
	}
	indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
	fields := strings.Fields(line)

	kept := []string{fields[0]}
	changed := false
	for _, token := range fields[1:] {
		mapped, keep := fn(token)
		if !keep {
			changed = true
			continue
		}
		if mapped != token {
			changed = true
		}
		kept = append(kept, mapped)
	}
	if !changed {
		return line
	}
	return indent + strings.Join(kept, " ")
}

// Patcher applies a patch set to the primary boot-menu file and every
// existing alias file.
type Patcher struct {
	log *logrus.Logger
}

func NewPatcher(log *logrus.Logger) *Patcher {
	return &Patcher{log: log}
}

// Patches translates a BootConfigSpec into the typed patch list.
func Patches(spec types.BootConfigSpec) []Patch {
	patches := []Patch{}
	if spec.Timeout != nil {
		patches = append(patches, SetField{Key: "timeout", Value: *spec.Timeout})
	}
	for _, token := range spec.RemoveTokens {
		patches = append(patches, RemoveToken{Token: token})
	}
	for _, sub := range spec.Substitutions {
		patches = append(patches, SubstituteToken{Old: sub.Old, New: sub.New})
	}
	return patches
}

// Apply patches every configured boot-menu file that exists in the tree
// and returns how many files were modified. Files whose patches all no-op
// are left byte-identical.
func (p *Patcher) Apply(tree *types.ImageTree, spec types.BootConfigSpec) (int, error) {
	patches := Patches(spec)
	if len(patches) == 0 {
		return 0, nil
	}

	patched := 0
	for _, rel := range spec.Paths {
		if !tree.Exists(rel) {
			continue
		}
		data, err := tree.ReadFile(rel)
		if err != nil {
			return patched, remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to read boot config %s: %v", rel, err), err)
		}

		lines := strings.Split(string(data), "\n")
		for _, patch := range patches {
			lines = patch.Apply(lines)
		}
		result := strings.Join(lines, "\n")
		if result == string(data) {
			continue
		}
		if err := tree.WriteFile(rel, []byte(result), 0644); err != nil {
			return patched, remastererrors.NewExtractionError(stageName,
				fmt.Sprintf("failed to write boot config %s: %v", rel, err), err)
		}
		p.log.WithFields(logrus.Fields{"stage": stageName, "file": rel}).Info("Patched boot configuration")
		patched++
	}
	return patched, nil
}
