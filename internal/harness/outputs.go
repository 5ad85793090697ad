package harness

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scriptloop/internal/issues"
	"scriptloop/internal/logging"
)

// Requirement declares output files a script must create. Pattern uses
// shell glob syntax and is matched against the path relative to the
// working directory, then against the base name.
type Requirement struct {
	Pattern    string `json:"pattern" yaml:"pattern"`
	MinCount   int    `json:"min_count" yaml:"min_count"`
	KeepAsData bool   `json:"keep_as_data" yaml:"keep_as_data"`
	// Check validates the content of each loaded file. It is skipped for
	// files kept as data.
	Check func(name, content string) issues.Set `json:"-" yaml:"-"`
}

// Matches reports whether rel satisfies the requirement pattern.
func (r Requirement) Matches(rel string) bool {
	rel = filepath.ToSlash(rel)
	if ok, _ := path.Match(r.Pattern, rel); ok {
		return true
	}
	ok, _ := path.Match(r.Pattern, path.Base(rel))
	return ok
}

// OutputFile is one file produced by a run. Files kept as data are left on
// disk and carry no content.
type OutputFile struct {
	Name       string `json:"name"`
	Content    string `json:"content,omitempty"`
	KeptAsData bool   `json:"kept_as_data,omitempty"`
}

type fileStamp struct {
	size    int64
	modTime time.Time
}

// snapshotDir records every regular file below root. Hidden directories
// hold tool state, not script output, and are skipped.
func snapshotDir(root string) (map[string]fileStamp, error) {
	out := make(map[string]fileStamp)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		return nil
	})
	return out, err
}

// changedFiles lists, sorted, files that are new or modified since before.
func changedFiles(root string, before map[string]fileStamp) ([]string, error) {
	after, err := snapshotDir(root)
	if err != nil {
		return nil, err
	}
	var out []string
	for name, st := range after {
		prev, ok := before[name]
		if !ok || prev.size != st.size || !prev.modTime.Equal(st.modTime) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// removeCreated deletes files that did not exist before the run so a
// failed attempt leaves nothing behind for the next one.
func removeCreated(root string, before map[string]fileStamp, changed []string) {
	for _, name := range changed {
		if _, existed := before[name]; existed {
			continue
		}
		err := os.Remove(filepath.Join(root, filepath.FromSlash(name)))
		if err != nil && !os.IsNotExist(err) {
			logging.HarnessWarn("cleanup of %s failed: %v", name, err)
		}
	}
}

// matchRequirements assigns changed files to requirements and reports the
// requirements whose minimum count was not met.
func matchRequirements(reqs []Requirement, changed []string) (map[string]Requirement, issues.Set) {
	assigned := make(map[string]Requirement)
	var missing issues.Set
	for _, r := range reqs {
		count := 0
		for _, name := range changed {
			if !r.Matches(name) {
				continue
			}
			count++
			if _, ok := assigned[name]; !ok {
				assigned[name] = r
			}
		}
		if count < r.MinCount {
			missing = append(missing, issues.Issue{
				Category: CategoryMissing,
				Item:     r.Pattern,
				Severity: issues.SeverityOutputC,
				Explanation: fmt.Sprintf("Expected at least %d file(s) matching %q, but the code created %d.",
					r.MinCount, r.Pattern, count),
				Remediation: fmt.Sprintf("Make sure the code saves its results to files matching %q.", r.Pattern),
			})
		}
	}
	return assigned, missing
}

// loadOutputs reads every assigned file not kept as data and deletes it.
func loadOutputs(root string, assigned map[string]Requirement) (map[string]OutputFile, error) {
	names := make([]string, 0, len(assigned))
	for name := range assigned {
		names = append(names, name)
	}
	sort.Strings(names)

	files := make(map[string]OutputFile, len(names))
	for _, name := range names {
		if assigned[name].KeepAsData {
			files[name] = OutputFile{Name: name, KeptAsData: true}
			continue
		}
		full := filepath.Join(root, filepath.FromSlash(name))
		data, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("read output %s: %w", name, err)
		}
		if err := os.Remove(full); err != nil {
			return nil, fmt.Errorf("remove output %s: %w", name, err)
		}
		files[name] = OutputFile{Name: name, Content: string(data)}
	}
	return files, nil
}

// contentChecks groups the per-file checks by tier so they can be placed
// into a checkpoint in severity order.
type contentChecks struct {
	files    map[string]OutputFile
	assigned map[string]Requirement
	maxBytes int
}

func (c contentChecks) loaded() []OutputFile {
	var out []OutputFile
	for _, f := range c.files {
		if !f.KeptAsData {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c contentChecks) design() issues.Set {
	var out issues.Set
	for _, f := range c.loaded() {
		if check := c.assigned[f.Name].Check; check != nil {
			out = append(out, check(f.Name, f.Content)...)
		}
	}
	return out
}

func (c contentChecks) malformed() issues.Set {
	var out issues.Set
	for _, f := range c.loaded() {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		if err := validateStructure(f.Name, f.Content); err != nil {
			out = append(out, issues.Issue{
				Category:    CategoryMalformed,
				Item:        f.Name,
				Severity:    issues.SeverityOutputC,
				Explanation: fmt.Sprintf("The file could not be parsed: %v", err),
				Remediation: "Write the file in a valid format using the standard encoder for it.",
			})
		}
	}
	return out
}

func (c contentChecks) oversize() issues.Set {
	var out issues.Set
	if c.maxBytes <= 0 {
		return nil
	}
	for _, f := range c.loaded() {
		if len(f.Content) > c.maxBytes {
			out = append(out, issues.Issue{
				Category:    CategoryOversize,
				Item:        f.Name,
				Severity:    issues.SeverityOutputB,
				Explanation: fmt.Sprintf("The file is %d bytes long; the limit is %d.", len(f.Content), c.maxBytes),
				Remediation: "Write only a summary of the results, not the full data.",
			})
		}
	}
	return out
}

func (c contentChecks) empty() issues.Set {
	var out issues.Set
	for _, f := range c.loaded() {
		if strings.TrimSpace(f.Content) == "" {
			out = append(out, issues.Issue{
				Category:    CategoryEmptyOutput,
				Item:        f.Name,
				Severity:    issues.SeverityOutputA,
				Explanation: "The file was created but is empty.",
				Remediation: "Make sure the results are written to the file before it is closed.",
			})
		}
	}
	return out
}

// validateStructure parses structured outputs according to their
// extension. Other files are accepted as plain text.
func validateStructure(name, content string) error {
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		var v interface{}
		return json.Unmarshal([]byte(content), &v)
	case ".yaml", ".yml":
		var v interface{}
		return yaml.Unmarshal([]byte(content), &v)
	case ".csv":
		r := csv.NewReader(bytes.NewReader([]byte(content)))
		_, err := r.ReadAll()
		return err
	}
	return nil
}
