package config

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/telechat/pkg/completion"
	"github.com/go-go-golems/telechat/pkg/continuation"
	"github.com/go-go-golems/telechat/pkg/conversation"
)

// Prompts is the content of the prompts file:
//
//	default: You are a helpful assistant.
//	owner: You are talking to your developer.
//	continue: Continue exactly from where you stopped.
//	models:
//	  fast: llama-3.1-8b-instant
type Prompts struct {
	Default  string               `yaml:"default"`
	Owner    string               `yaml:"owner"`
	Continue string               `yaml:"continue"`
	Models   *completion.ModelSet `yaml:"models,omitempty"`
}

func DefaultPrompts() Prompts {
	return Prompts{
		Default:  conversation.DefaultSystemPrompt,
		Owner:    conversation.DefaultSystemPrompt,
		Continue: continuation.DefaultContinuePrompt,
	}
}

// LoadPrompts reads path over the defaults. An empty path returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, errors.Wrapf(err, "config: read prompts %s", path)
	}
	var f Prompts
	if err := yaml.Unmarshal(b, &f); err != nil {
		return Prompts{}, errors.Wrapf(err, "config: parse prompts %s", path)
	}
	if strings.TrimSpace(f.Default) != "" {
		p.Default = f.Default
		// The owner prompt follows the default unless set explicitly.
		p.Owner = f.Default
	}
	if strings.TrimSpace(f.Owner) != "" {
		p.Owner = f.Owner
	}
	if strings.TrimSpace(f.Continue) != "" {
		p.Continue = f.Continue
	}
	if f.Models != nil {
		m := completion.DefaultModelSet()
		mergeModels(&m, *f.Models)
		p.Models = &m
	}
	return p, nil
}

func mergeModels(dst *completion.ModelSet, src completion.ModelSet) {
	for _, f := range []struct {
		dst *string
		src string
	}{
		{&dst.Fast, src.Fast},
		{&dst.Balanced, src.Balanced},
		{&dst.Power, src.Power},
		{&dst.Code, src.Code},
		{&dst.LongContext, src.LongContext},
	} {
		if strings.TrimSpace(f.src) != "" {
			*f.dst = f.src
		}
	}
}

func (p Prompts) SystemPrompts() conversation.SystemPrompts {
	return conversation.SystemPrompts{Default: p.Default, Owner: p.Owner}
}
