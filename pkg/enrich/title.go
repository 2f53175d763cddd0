package enrich

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/aqyn/pkg/chat"
	"github.com/go-go-golems/aqyn/pkg/inference"
)

const titleSystemPrompt = "Ты генерируешь короткие названия для чатов. " +
	"Отвечай ТОЛЬКО названием, без кавычек, точек и объяснений."

func titlePrompt(lang chat.Language, firstQuestion string) string {
	if lang == chat.LangKazakh {
		return fmt.Sprintf("Осы сұрақ үшін қысқа чат атауын ҚАЗАҚ ТІЛІНДЕ құрастыр (4-6 сөз): %q", firstQuestion)
	}
	return fmt.Sprintf("Создай краткое название чата для этого вопроса НА РУССКОМ ЯЗЫКЕ (4-6 слов): %q", firstQuestion)
}

// TitleGenerator derives a short localized conversation title from the first
// user message. It never fails: any error or empty output falls back to the
// localized default title.
type TitleGenerator struct {
	completer inference.Completer
}

func NewTitleGenerator(completer inference.Completer) *TitleGenerator {
	return &TitleGenerator{completer: completer}
}

func (g *TitleGenerator) Generate(ctx context.Context, firstQuestion string, lang chat.Language) string {
	fallback := chat.DefaultTitle(lang)
	if g == nil || g.completer == nil {
		return fallback
	}
	out, err := g.completer.Complete(ctx, titleSystemPrompt, titlePrompt(lang, firstQuestion))
	if err != nil {
		log.Warn().Err(err).Str("lang", string(lang)).Msg("title generation failed, using default title")
		return fallback
	}
	title := CleanTitle(out)
	if title == "" {
		return fallback
	}
	return title
}

// CleanTitle strips the decoration models like to add around a bare title:
// surrounding quotes and guillemets, and a trailing period.
func CleanTitle(raw string) string {
	title := strings.TrimSpace(raw)
	title = strings.Trim(title, "\"'«»„“”")
	title = strings.TrimSuffix(title, ".")
	return strings.TrimSpace(title)
}
