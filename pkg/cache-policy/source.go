package cachepolicy

import (
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// DefaultPattern locates the policy file of a module inside the source file system.
const DefaultPattern = "%s/cache.yml"

// allAction is the file level name of the DEFAULT action.
const allAction = "all"

// FSSource reads one yaml policy file per module:
//
//	all:
//	  lifetime: 1h
//	show:
//	  with_layout: true
//	  lifetime: 10m
//	  client_lifetime: 60
//	  vary: [Accept-Language]
//	_sidebar:
//	  lifetime: 1d
//	  contextual: true
type FSSource struct {
	FS fs.FS
	// Pattern is formatted with the module name. Defaults to DefaultPattern.
	Pattern string
}

// Duration is a yaml duration: an integer number of seconds or a string such as `90s` or `1d`.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if seconds, err := strconv.ParseInt(node.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	parsed, err := str2duration.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

type policyFile struct {
	Enabled        *bool     `yaml:"enabled"`
	WithLayout     bool      `yaml:"with_layout"`
	LifeTime       *Duration `yaml:"lifetime"`
	ClientLifeTime Duration  `yaml:"client_lifetime"`
	Contextual     bool      `yaml:"contextual"`
	Vary           []string  `yaml:"vary"`
}

func (p policyFile) policy() Policy {
	policy := Policy{
		WithLayout:     p.WithLayout,
		ClientLifeTime: time.Duration(p.ClientLifeTime),
		Contextual:     p.Contextual,
		Vary:           p.Vary,
	}
	if p.LifeTime != nil {
		policy.LifeTime = time.Duration(*p.LifeTime)
	}
	if p.Enabled != nil && !*p.Enabled {
		policy.LifeTime = 0
		policy.ClientLifeTime = 0
	}
	return policy
}

// Load implements Source. A module without policy file has no declarations.
func (s FSSource) Load(module string) ([]Declaration, error) {
	pattern := s.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	name := fmt.Sprintf(pattern, module)
	b, err := fs.ReadFile(s.FS, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseYAML(b)
}

// ParseYAML parses the policy declarations of one module.
// Declarations are returned sorted by action name.
func ParseYAML(b []byte) ([]Declaration, error) {
	var file map[string]policyFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, errors.Wrap(err, "parsing cache policies")
	}
	declarations := make([]Declaration, 0, len(file))
	for action, p := range file {
		if action == allAction {
			action = DefaultAction
		}
		declarations = append(declarations, Declaration{Action: action, Policy: p.policy()})
	}
	sort.Slice(declarations, func(i, j int) bool {
		return declarations[i].Action < declarations[j].Action
	})
	return declarations, nil
}
