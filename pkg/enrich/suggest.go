package enrich

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/aqyn/pkg/chat"
	"github.com/go-go-golems/aqyn/pkg/inference"
)

const (
	minQuestionRunes = 16
	maxQuestionRunes = 99
)

var (
	cjkRe  = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)
	enumRe = regexp.MustCompile(`(?m)^\d+[.)]\s*`)
)

func suggestSystemPrompt(lang chat.Language) string {
	languageBlock := "ОТВЕЧАЙ ТОЛЬКО НА РУССКОМ ЯЗЫКЕ."
	if lang == chat.LangKazakh {
		languageBlock = "ЖАУАПТЫ ТЕК ҚАЗАҚ ТІЛІНДЕ БЕР."
	}
	return "Ты — эксперт по Абаю Кунанбаеву.\n" + languageBlock + "\n\n" +
		"Придумай ровно 4 коротких вопроса для продолжения чата.\n" +
		"Правила формата:\n" +
		"- Ровно 4 строки, каждая строка — один вопрос\n" +
		"- Без нумерации, тире и кавычек\n" +
		"- Длина вопроса: 3-8 слов\n" +
		"- Обязательно заканчивается на \"?\""
}

// SuggestionGenerator produces the follow-up question set shown under the
// chat input. The generator output is validated line by line; any shortfall
// is backfilled from the local question pool, so the result always has
// exactly chat.SuggestionCount entries.
type SuggestionGenerator struct {
	completer inference.Completer
	pool      *QuestionPool
}

func NewSuggestionGenerator(completer inference.Completer, pool *QuestionPool) *SuggestionGenerator {
	return &SuggestionGenerator{completer: completer, pool: pool}
}

// Generate builds the next suggestion set from the conversation tail
// (oldest-first, at most the last 8 messages).
func (g *SuggestionGenerator) Generate(ctx context.Context, msgs []*chat.Message, lang chat.Language) []string {
	if g == nil || g.pool == nil {
		return nil
	}
	if g.completer == nil || len(msgs) == 0 {
		return g.pool.Sample(lang, chat.SuggestionCount)
	}

	var b strings.Builder
	for _, m := range msgs {
		speaker := "Пользователь"
		if m.Role == chat.RoleAssistant {
			speaker = "Абай"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
	}
	prompt := fmt.Sprintf("Контекст чата:\n%s\nПридумай 4 вопроса про Абая Кунанбаева:", b.String())

	out, err := g.completer.Complete(ctx, suggestSystemPrompt(lang), prompt)
	if err != nil {
		log.Warn().Err(err).Str("lang", string(lang)).Msg("suggestion generation failed, using fallback pool")
		return g.pool.Sample(lang, chat.SuggestionCount)
	}

	questions := ValidateCandidates(out)
	if shortfall := chat.SuggestionCount - len(questions); shortfall > 0 {
		fallback := g.pool.Sample(lang, chat.SuggestionCount)
		questions = append(questions, fallback[len(questions):]...)
	}
	return questions[:chat.SuggestionCount]
}

// ValidateCandidates extracts up to chat.SuggestionCount well-formed
// questions from raw generator output. A candidate must be a single line,
// 16-99 runes, end with a question mark and not start with a digit; CJK
// codepoints and leading enumeration markers are stripped first.
func ValidateCandidates(raw string) []string {
	text := cjkRe.ReplaceAllString(raw, "")
	text = enumRe.ReplaceAllString(text, "")

	var out []string
	for _, line := range strings.Split(text, "\n") {
		q := strings.TrimSpace(line)
		if q == "" {
			continue
		}
		n := utf8.RuneCountInString(q)
		if n < minQuestionRunes || n > maxQuestionRunes {
			continue
		}
		if !strings.HasSuffix(q, "?") {
			continue
		}
		if q[0] >= '0' && q[0] <= '9' {
			continue
		}
		out = append(out, q)
		if len(out) == chat.SuggestionCount {
			break
		}
	}
	return out
}
