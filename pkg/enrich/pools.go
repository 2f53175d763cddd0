package enrich

import (
	_ "embed"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/aqyn/pkg/chat"
)

//go:embed pools.yaml
var defaultPoolsYAML []byte

// QuestionPool holds the per-language fallback questions used to backfill
// suggestion sets when the generator fails or returns too few valid
// candidates. Sampling is without replacement within one call.
type QuestionPool struct {
	mu     sync.Mutex
	byLang map[chat.Language][]string
	rng    *rand.Rand
}

// NewQuestionPool parses a YAML document mapping language codes to question
// lists.
func NewQuestionPool(data []byte) (*QuestionPool, error) {
	raw := map[string][]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "parse question pool")
	}
	byLang := map[chat.Language][]string{}
	for code, questions := range raw {
		lang, ok := chat.ParseLanguage(code)
		if !ok {
			return nil, errors.Errorf("question pool: unknown language %q", code)
		}
		if len(questions) < chat.SuggestionCount {
			return nil, errors.Errorf("question pool: language %q needs at least %d questions", code, chat.SuggestionCount)
		}
		byLang[lang] = questions
	}
	return &QuestionPool{
		byLang: byLang,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// NewDefaultQuestionPool loads the embedded pools.
func NewDefaultQuestionPool() (*QuestionPool, error) {
	return NewQuestionPool(defaultPoolsYAML)
}

// Sample returns n distinct questions for the language, falling back to the
// default language when the requested one has no pool.
func (p *QuestionPool) Sample(lang chat.Language, n int) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, ok := p.byLang[lang]
	if !ok {
		pool = p.byLang[chat.DefaultLanguage]
	}
	if len(pool) == 0 {
		return nil
	}
	shuffled := append([]string(nil), pool...)
	p.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if n > len(shuffled) {
		n = len(shuffled)
	}
	return shuffled[:n]
}
