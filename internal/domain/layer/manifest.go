package layer

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Requirement is a single dependency specifier taken from the manifest.
type Requirement struct {
	// Name is the distribution name, possibly with extras ("requests[socks]").
	Name string
	// Constraint is the raw version constraint ("==10.0.0", ">=1,<2"), empty when unpinned.
	Constraint string
}

// String renders the requirement back into pip syntax.
func (r Requirement) String() string {
	return r.Name + r.Constraint
}

// Manifest is the ordered list of requirements read from a requirements file.
// The file itself is passed to the package manager untouched.
type Manifest struct {
	// Path is the cleaned location of the manifest file.
	Path string
	// Requirements keeps the file order.
	Requirements []Requirement
	// Includes lists nested requirement and constraint files ("-r base.txt", "-c pins.txt").
	// They are resolved by the package manager and not read here.
	Includes []string
}

// constraintOperators starts a version constraint in pip syntax.
const constraintOperators = "=<>!~;@ "

// ParseManifest reads the manifest at path.
// A missing or unreadable file is a configuration error; so is a manifest
// with neither requirements nor nested requirement files.
func ParseManifest(path string) (*Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ConfigError("manifest path is empty", nil)
	}

	path = filepath.Clean(path)

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ConfigError("manifest "+path+" not found", err)
		}

		return nil, ConfigError("open manifest "+path, err)
	}

	defer func() {
		_ = file.Close()
	}()

	manifest := &Manifest{Path: path}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := stripComment(scanner.Text())

		if include, ok := parseIncludeLine(line); ok {
			manifest.Includes = append(manifest.Includes, include)
			continue
		}

		if requirement, ok := parseRequirementLine(line); ok {
			manifest.Requirements = append(manifest.Requirements, requirement)
		}
	}

	if err = scanner.Err(); err != nil {
		return nil, ConfigError("read manifest "+path, err)
	}

	if len(manifest.Requirements) == 0 && len(manifest.Includes) == 0 {
		return nil, ConfigError("manifest "+path+" has no requirements", nil)
	}

	return manifest, nil
}

// includeOptions name a nested requirements or constraints file, long forms first.
var includeOptions = []string{"--requirement", "--constraint", "-r", "-c"}

// editableOptions install a local project or VCS URL as a requirement.
var editableOptions = []string{"--editable", "-e"}

// stripComment drops a trailing " #" comment and surrounding space.
func stripComment(line string) string {
	if i := strings.Index(line, " #"); i >= 0 {
		line = line[:i]
	}

	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") {
		return ""
	}

	return line
}

// optionValue returns the value of line if it starts with one of options,
// accepting "-r file", "-rfile", "--requirement file" and "--requirement=file".
func optionValue(line string, options []string) (string, bool) {
	for _, option := range options {
		rest, found := strings.CutPrefix(line, option)
		if !found {
			continue
		}

		// "--requirementx" is another option, "-rfile" is a short form.
		if strings.HasPrefix(option, "--") && rest != "" && rest[0] != '=' && rest[0] != ' ' && rest[0] != '\t' {
			continue
		}

		value := strings.TrimSpace(strings.TrimPrefix(rest, "="))
		if value == "" {
			continue
		}

		return value, true
	}

	return "", false
}

// parseIncludeLine extracts the file named by a -r/-c line.
func parseIncludeLine(line string) (string, bool) {
	return optionValue(line, includeOptions)
}

// parseRequirementLine extracts a requirement, skipping blanks and pip options.
// Editable installs count as requirements named by their path or URL.
func parseRequirementLine(line string) (Requirement, bool) {
	if target, ok := optionValue(line, editableOptions); ok {
		return Requirement{Name: target}, true
	}

	if line == "" || strings.HasPrefix(line, "-") {
		return Requirement{}, false
	}

	i := strings.IndexAny(line, constraintOperators)
	if i < 0 {
		return Requirement{Name: line}, true
	}

	return Requirement{
		Name:       strings.TrimSpace(line[:i]),
		Constraint: strings.TrimSpace(line[i:]),
	}, true
}
