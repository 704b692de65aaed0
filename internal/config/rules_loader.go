package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const inlineSourceName = "inline-config"

// RuleBundle captures the merged guard rules after loading every source.
type RuleBundle struct {
	Rules   []RuleConfig
	Sources []string
	Skipped []DefinitionSkip
}

type ruleDocument struct {
	Rules []RuleConfig `koanf:"rules"`
}

type ruleAggregator struct {
	rules   []RuleConfig
	origin  map[string]string
	skips   map[string]*DefinitionSkip
	sources []string
}

func newRuleAggregator() *ruleAggregator {
	return &ruleAggregator{
		origin: make(map[string]string),
		skips:  make(map[string]*DefinitionSkip),
	}
}

// add keeps the first definition of each name. Later duplicates are recorded
// as skipped along with every source that defined them.
func (a *ruleAggregator) add(rules []RuleConfig, source string) {
	contributed := false
	for _, rule := range rules {
		name := strings.TrimSpace(rule.Name)
		if first, dup := a.origin[name]; dup && name != "" {
			skip, ok := a.skips[name]
			if !ok {
				skip = &DefinitionSkip{Kind: "rule", Name: name, Reason: "duplicate rule name", Sources: []string{first}}
				a.skips[name] = skip
			}
			skip.Sources = appendUnique(skip.Sources, source)
			continue
		}
		a.origin[name] = source
		a.rules = append(a.rules, rule)
		contributed = true
	}
	if contributed {
		a.sources = appendUnique(a.sources, source)
	}
}

func (a *ruleAggregator) bundle() RuleBundle {
	out := RuleBundle{Rules: a.rules, Sources: a.sources}
	for _, rule := range a.rules {
		if skip, ok := a.skips[strings.TrimSpace(rule.Name)]; ok {
			out.Skipped = append(out.Skipped, *skip)
		}
	}
	return out
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func buildRuleBundle(ctx context.Context, inline []RuleConfig, rulesFile string) (RuleBundle, error) {
	agg := newRuleAggregator()
	agg.add(inline, inlineSourceName)

	if strings.TrimSpace(rulesFile) != "" {
		select {
		case <-ctx.Done():
			return RuleBundle{}, ctx.Err()
		default:
		}
		doc, err := loadRuleDocument(rulesFile)
		if err != nil {
			return RuleBundle{}, err
		}
		source := rulesFile
		if abs, err := filepath.Abs(rulesFile); err == nil {
			source = abs
		}
		agg.add(doc.Rules, source)
	}
	return agg.bundle(), nil
}

func loadRuleDocument(path string) (ruleDocument, error) {
	if _, err := os.Stat(path); err != nil {
		return ruleDocument{}, fmt.Errorf("config: rules file %s: %w", path, err)
	}
	parser, err := parserFor(path)
	if err != nil {
		return ruleDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ruleDocument{}, fmt.Errorf("config: load rules file %s: %w", path, err)
	}
	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ruleDocument{}, fmt.Errorf("config: decode rules file %s: %w", path, err)
	}
	return doc, nil
}
