package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/regtruth/pkg/composer"
	"github.com/Mindburn-Labs/regtruth/pkg/extractor"
	"github.com/Mindburn-Labs/regtruth/pkg/model"
)

// manifest describes one pipeline batch: the source documents to ingest and,
// optionally, pre-proposed candidates and hand-written drafts.
type manifest struct {
	Sources []manifestSource `yaml:"sources"`
	Drafts  []manifestDraft  `yaml:"drafts"`
}

type manifestSource struct {
	URL         string                `yaml:"url"`
	ContentType string                `yaml:"content_type"`
	File        string                `yaml:"file"`
	Candidates  []extractor.Candidate `yaml:"candidates"`
}

type manifestDraft struct {
	Concept        string   `yaml:"concept"`
	Topic          string   `yaml:"topic"`
	AppliesWhen    string   `yaml:"applies_when"`
	Value          string   `yaml:"value"`
	ValueType      string   `yaml:"value_type"`
	RiskTier       string   `yaml:"risk_tier"`
	AuthorityLevel string   `yaml:"authority_level"`
	ContentType    string   `yaml:"content_type"`
	EffectiveFrom  string   `yaml:"effective_from"`
	EffectiveUntil string   `yaml:"effective_until"`
	PointerIDs     []string `yaml:"pointer_ids"`
	DependsOn      []string `yaml:"depends_on"`
	Overrides      []string `yaml:"overrides"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i := range m.Sources {
		s := &m.Sources[i]
		if s.URL == "" || s.File == "" {
			return nil, fmt.Errorf("manifest source %d: url and file are required", i)
		}
		if s.ContentType == "" {
			s.ContentType = "text/plain"
		}
		if !filepath.IsAbs(s.File) {
			s.File = filepath.Join(base, s.File)
		}
	}
	return &m, nil
}

// proposer serves the manifest's candidates by source URL and defers to
// fallback for sources that list none.
func (m *manifest) proposer(fallback extractor.Proposer) extractor.Proposer {
	byURL := make(map[string][]extractor.Candidate)
	for _, s := range m.Sources {
		if len(s.Candidates) > 0 {
			byURL[s.URL] = s.Candidates
		}
	}
	if len(byURL) == 0 {
		return fallback
	}
	return manifestProposer{byURL: byURL, fallback: fallback}
}

type manifestProposer struct {
	byURL    map[string][]extractor.Candidate
	fallback extractor.Proposer
}

func (p manifestProposer) Propose(ctx context.Context, ev *model.Evidence, text string) ([]extractor.Candidate, error) {
	if c, ok := p.byURL[ev.SourceURL]; ok {
		return c, nil
	}
	if p.fallback == nil {
		return nil, fmt.Errorf("no candidates for %s and no proposer configured", ev.SourceURL)
	}
	return p.fallback.Propose(ctx, ev, text)
}

func (d manifestDraft) draft() (composer.Draft, error) {
	out := composer.Draft{
		ConceptSlug:    d.Concept,
		Topic:          d.Topic,
		AppliesWhen:    []byte(d.AppliesWhen),
		Value:          d.Value,
		ValueType:      d.ValueType,
		RiskTier:       model.RiskTier(d.RiskTier),
		AuthorityLevel: model.AuthorityLevel(d.AuthorityLevel),
		ContentType:    d.ContentType,
		PointerIDs:     d.PointerIDs,
		DependsOn:      d.DependsOn,
		Overrides:      d.Overrides,
	}
	if d.AppliesWhen == "" {
		out.AppliesWhen = []byte(`{"op":"true"}`)
	}
	if d.EffectiveFrom != "" {
		from, err := time.Parse(time.DateOnly, d.EffectiveFrom)
		if err != nil {
			return out, fmt.Errorf("draft %s effective_from: %w", d.Concept, err)
		}
		out.EffectiveFrom = from
	}
	if d.EffectiveUntil != "" {
		until, err := time.Parse(time.DateOnly, d.EffectiveUntil)
		if err != nil {
			return out, fmt.Errorf("draft %s effective_until: %w", d.Concept, err)
		}
		out.EffectiveUntil = &until
	}
	return out, nil
}
