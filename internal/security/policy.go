// Package security screens scripts before the python capability runs them.
package security

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"chatloop/internal/config"
)

const regexPrefix = "re:"

// Policy blocks scripts that match a configured blacklist pattern.
// Plain patterns are case-insensitive substrings; patterns prefixed with
// "re:" are regular expressions.
type Policy struct {
	blacklist []*regexp.Regexp
	logger    *slog.Logger
}

// BlockedError names the pattern that rejected a script.
type BlockedError struct {
	Pattern string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("script blocked by policy (pattern %q)", e.Pattern)
}

func NewPolicy(cfg config.SecurityConfig, logger *slog.Logger) (*Policy, error) {
	if logger == nil {
		logger = slog.Default()
	}
	re, err := compilePatterns(cfg.ScriptBlacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid script blacklist: %w", err)
	}
	return &Policy{blacklist: re, logger: logger}, nil
}

// Check returns a *BlockedError when script matches the blacklist.
func (p *Policy) Check(capability, script string) error {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(script)
	for _, re := range p.blacklist {
		if re.MatchString(s) {
			p.logger.Warn("script blocked by blacklist", "tool", capability, "pattern", re.String())
			return &BlockedError{Pattern: re.String()}
		}
	}
	return nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		var expr string
		if rest, ok := strings.CutPrefix(p, regexPrefix); ok {
			expr = rest
		} else {
			expr = `(?i)` + regexp.QuoteMeta(p)
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
