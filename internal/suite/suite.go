// internal/suite/suite.go

// Package suite loads YAML-defined QA test suites: an app package plus an
// ordered list of test cases, each a natural-language goal with an expected
// outcome. The file format is deliberately small so suites stay readable in
// review.
package suite

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/droidprobe/internal/session"
)

// TestCase is one entry of a suite file.
type TestCase struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// Description is the natural-language goal handed to the planner.
	Description string `yaml:"description"`

	// ExpectedResult describes in prose what success looks like; the
	// verifier reads it alongside the goal.
	ExpectedResult string `yaml:"expected_result"`

	// SuccessCriteria lists texts that must all be visible on the final
	// screen. When present, completion is checked deterministically and the
	// verifier model is not consulted.
	SuccessCriteria []string `yaml:"success_criteria,omitempty"`

	// ShouldPass records the expected verdict. Negative cases (should_pass:
	// false) let a suite assert that broken flows really fail.
	ShouldPass bool `yaml:"should_pass"`
}

// UnmarshalYAML applies the should_pass default before decoding, so an
// omitted key means true rather than Go's zero value.
func (t *TestCase) UnmarshalYAML(value *yaml.Node) error {
	type plain TestCase
	out := plain{ShouldPass: true}
	if err := value.Decode(&out); err != nil {
		return err
	}
	*t = TestCase(out)
	return nil
}

// Goal renders the case as the goal a session pursues.
func (t TestCase) Goal() session.TestGoal {
	desc := strings.TrimSpace(t.Description)
	if expected := strings.TrimSpace(t.ExpectedResult); expected != "" {
		desc += "\nExpected result: " + expected
	}
	return session.TestGoal{Description: desc, SuccessCriteria: t.SuccessCriteria}
}

// Suite is a parsed suite file.
type Suite struct {
	Name       string     `yaml:"name,omitempty"`
	AppPackage string     `yaml:"app_package"`
	Tests      []TestCase `yaml:"tests"`
}

// Load reads and validates a suite file.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading suite: %w", err)
	}
	var s Suite
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing suite %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("suite %s: %w", path, err)
	}
	return &s, nil
}

func (s *Suite) validate() error {
	if len(s.Tests) == 0 {
		return errors.New("no tests defined")
	}
	seen := make(map[string]struct{}, len(s.Tests))
	for i, t := range s.Tests {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("test %d has no id", i+1)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate test id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("test %q has no description", t.ID)
		}
		if strings.TrimSpace(t.ExpectedResult) == "" && len(t.SuccessCriteria) == 0 {
			return fmt.Errorf("test %q has neither an expected result nor success criteria", t.ID)
		}
	}
	return nil
}

// Select returns the cases matching the given ids in suite order. An empty id
// list selects every case. Ids that match nothing are an error so a typo does
// not silently shrink the run.
func (s *Suite) Select(ids []string) ([]TestCase, error) {
	if len(ids) == 0 {
		return s.Tests, nil
	}
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = false
	}
	var out []TestCase
	for _, t := range s.Tests {
		if _, ok := wanted[t.ID]; ok {
			wanted[t.ID] = true
			out = append(out, t)
		}
	}
	var missing []string
	for id, found := range wanted {
		if !found {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("unknown test ids: %s", strings.Join(missing, ", "))
	}
	return out, nil
}
