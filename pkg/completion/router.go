// Package completion holds model selection shared by completion clients.
package completion

import (
	"strings"

	"github.com/go-go-golems/telechat/pkg/conversation"
)

type Difficulty string

const (
	DifficultySimple   Difficulty = "simple"
	DifficultyModerate Difficulty = "moderate"
	DifficultyComplex  Difficulty = "complex"
	DifficultyExpert   Difficulty = "expert"
)

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentCode     ContentType = "code"
	ContentResearch ContentType = "research"
)

// ModelSet names the model used for each request class.
type ModelSet struct {
	Fast        string `yaml:"fast"`
	Balanced    string `yaml:"balanced"`
	Power       string `yaml:"power"`
	Code        string `yaml:"code"`
	LongContext string `yaml:"long-context"`
}

func DefaultModelSet() ModelSet {
	return ModelSet{
		Fast:        "llama-3.1-8b-instant",
		Balanced:    "llama-3.3-70b-versatile",
		Power:       "llama-3.3-70b-versatile",
		Code:        "llama-3.3-70b-versatile",
		LongContext: "llama-3.3-70b-versatile",
	}
}

const longContextChars = 2000

var (
	simpleKeywords   = []string{"what", "who", "when", "where", "how many", "is it", "ما هو", "من هو", "متى", "أين", "كم", "هل"}
	complexKeywords  = []string{"explain", "analyze", "analyse", "compare", "discuss", "prove", "اشرح", "حلل", "قارن", "ناقش", "برهن"}
	expertKeywords   = []string{"theory", "theorem", "algorithm", "philosophy", "نظرية", "معادلة", "خوارزمية", "فلسفة"}
	codeKeywords     = []string{"code", "function", "program", "script", "bug", "compile", "كود", "برمجة", "دالة", "برنامج"}
	researchKeywords = []string{"research", "study", "sources", "history of", "بحث", "دراسة", "مصادر"}
)

func containsAny(s string, kws []string) bool {
	for _, kw := range kws {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// AnalyzeDifficulty classifies a question by keywords and then by length.
func AnalyzeDifficulty(question string) Difficulty {
	q := strings.ToLower(question)
	switch {
	case containsAny(q, expertKeywords):
		return DifficultyExpert
	case containsAny(q, complexKeywords):
		return DifficultyComplex
	case containsAny(q, simpleKeywords):
		return DifficultySimple
	}
	switch n := len([]rune(question)); {
	case n < 50:
		return DifficultySimple
	case n < 150:
		return DifficultyModerate
	default:
		return DifficultyComplex
	}
}

func AnalyzeContentType(question string) ContentType {
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "```") || containsAny(q, codeKeywords):
		return ContentCode
	case containsAny(q, researchKeywords):
		return ContentResearch
	default:
		return ContentText
	}
}

// ModelRouter picks a model for a request. A non-empty Fixed disables routing.
type ModelRouter struct {
	Fixed  string
	Models ModelSet
	// ContinuePrompt is skipped when looking for the question, so continuation calls
	// route the same way as the call they continue.
	ContinuePrompt string
}

func (r ModelRouter) Select(turns []conversation.Turn) string {
	if strings.TrimSpace(r.Fixed) != "" {
		return r.Fixed
	}
	def := DefaultModelSet()
	pick := func(v, fallback string) string {
		if strings.TrimSpace(v) != "" {
			return v
		}
		return fallback
	}

	question := r.question(turns)
	if AnalyzeContentType(question) == ContentCode {
		return pick(r.Models.Code, def.Code)
	}
	if len([]rune(question)) > longContextChars {
		return pick(r.Models.LongContext, def.LongContext)
	}
	if AnalyzeContentType(question) == ContentResearch {
		return pick(r.Models.Balanced, def.Balanced)
	}
	switch AnalyzeDifficulty(question) {
	case DifficultySimple:
		return pick(r.Models.Fast, def.Fast)
	case DifficultyComplex, DifficultyExpert:
		return pick(r.Models.Power, def.Power)
	default:
		return pick(r.Models.Balanced, def.Balanced)
	}
}

func (r ModelRouter) question(turns []conversation.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role != conversation.RoleUser {
			continue
		}
		if r.ContinuePrompt != "" && turns[i].Content == r.ContinuePrompt {
			continue
		}
		return turns[i].Content
	}
	return ""
}
