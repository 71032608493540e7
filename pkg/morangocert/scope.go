package morangocert

import (
	"context"
	"strings"

	"github.com/learningequality/morango/pkg/morangoerrs"
)

// ScopeDefinition describes a class of certificate: its filter templates
// (with ${param} placeholders filled in from a certificate's ScopeParams)
// and, for root-capable definitions, the scope param key that receives
// the certificate's own id as its primary partition value.
type ScopeDefinition struct {
	ID                      string
	Profile                 string
	Version                 int
	PrimaryScopeParamKey    string
	Description             string
	ReadFilterTemplate      string
	WriteFilterTemplate     string
	ReadWriteFilterTemplate string
}

// Scope is a ScopeDefinition with its templates filled in for a specific
// certificate's params.
type Scope struct {
	ReadFilter  Filter
	WriteFilter Filter
}

// GetScope fills def's filter templates in with params, using the same
// "unknown placeholders left alone" semantics as Python's
// string.Template.safe_substitute, and splits each resulting template on
// whitespace into individual partitions.
func (def ScopeDefinition) GetScope(params map[string]string) Scope {
	rw := splitFilterTemplate(substitute(def.ReadWriteFilterTemplate, params))
	read := append(append(Filter{}, rw...), splitFilterTemplate(substitute(def.ReadFilterTemplate, params))...)
	write := append(append(Filter{}, rw...), splitFilterTemplate(substitute(def.WriteFilterTemplate, params))...)
	return Scope{ReadFilter: read, WriteFilter: write}
}

func splitFilterTemplate(s string) Filter {
	return Filter(strings.Fields(s))
}

// substitute replaces ${key} (and bare $key) occurrences with params[key],
// leaving anything it can't resolve untouched.
func substitute(template string, params map[string]string) string {
	var b strings.Builder
	i := 0
	for i < len(template) {
		if template[i] == '$' && i+1 < len(template) {
			if template[i+1] == '{' {
				end := strings.IndexByte(template[i+2:], '}')
				if end >= 0 {
					key := template[i+2 : i+2+end]
					if val, ok := params[key]; ok {
						b.WriteString(val)
						i += 2 + end + 1
						continue
					}
				}
			} else if isIdentStart(template[i+1]) {
				j := i + 1
				for j < len(template) && isIdentChar(template[j]) {
					j++
				}
				key := template[i+1 : j]
				if val, ok := params[key]; ok {
					b.WriteString(val)
					i = j
					continue
				}
			}
		}
		b.WriteByte(template[i])
		i++
	}
	return b.String()
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

// VerifySubsetOf returns morangoerrs.ErrCertificateScopeNotSubset unless
// both of s's filters are subsets of parent's corresponding filter.
func (s Scope) VerifySubsetOf(parent Scope) error {
	if !Subset(s.ReadFilter, parent.ReadFilter) {
		return morangoerrs.ErrCertificateScopeNotSubset.New("read filter %v is not a subset of parent's %v", s.ReadFilter, parent.ReadFilter)
	}
	if !Subset(s.WriteFilter, parent.WriteFilter) {
		return morangoerrs.ErrCertificateScopeNotSubset.New("write filter %v is not a subset of parent's %v", s.WriteFilter, parent.WriteFilter)
	}
	return nil
}

// IsSubsetOf is the boolean form of VerifySubsetOf.
func (s Scope) IsSubsetOf(parent Scope) bool {
	return s.VerifySubsetOf(parent) == nil
}

// ScopeDefinitionStore resolves scope definition ids to definitions. The
// in-memory StaticScopeDefinitions implementation below, seeded at startup
// from config, is the only implementation in this module; definitions
// added later through Put are not persisted across restarts.
type ScopeDefinitionStore interface {
	Get(ctx context.Context, id string) (ScopeDefinition, bool, error)
	Put(ctx context.Context, def ScopeDefinition) error
}

// StaticScopeDefinitions is a ScopeDefinitionStore backed by an in-memory
// map, seeded once at process start.
type StaticScopeDefinitions struct {
	defs map[string]ScopeDefinition
}

// NewStaticScopeDefinitions builds a StaticScopeDefinitions seeded with defs.
func NewStaticScopeDefinitions(defs []ScopeDefinition) *StaticScopeDefinitions {
	m := make(map[string]ScopeDefinition, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return &StaticScopeDefinitions{defs: m}
}

// Get implements ScopeDefinitionStore.
func (s *StaticScopeDefinitions) Get(ctx context.Context, id string) (ScopeDefinition, bool, error) {
	def, ok := s.defs[id]
	return def, ok, nil
}

// Put implements ScopeDefinitionStore, registering or replacing a
// definition at runtime (used by the dynamic-registration CSR flow).
func (s *StaticScopeDefinitions) Put(ctx context.Context, def ScopeDefinition) error {
	if s.defs == nil {
		s.defs = make(map[string]ScopeDefinition)
	}
	s.defs[def.ID] = def
	return nil
}
