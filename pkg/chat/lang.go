package chat

// Localized fixed strings. The assistant persona speaks Russian or Kazakh;
// these are the strings the orchestrator emits on its own behalf.

// DefaultTitle is the title given to a freshly created conversation before
// title generation has run.
func DefaultTitle(lang Language) string {
	if lang == LangKazakh {
		return "Жаңа чат"
	}
	return "Новый чат"
}

// ErrorReply is persisted and streamed in place of the assistant reply when
// the generation backend fails.
func ErrorReply(lang Language) string {
	if lang == LangKazakh {
		return "Кешір, ойым шашырап тұр. Қайталап көрші."
	}
	return "Техническая ошибка. Попробуй ещё раз."
}

// LastConversationReason explains a rejected delete of the sole conversation.
func LastConversationReason(lang Language) string {
	if lang == LangKazakh {
		return "Жалғыз чатты жоюға болмайды."
	}
	return "Нельзя удалить единственный чат."
}

// InvalidConversationReason accompanies the invalidation signal when the
// client referenced a conversation that no longer exists.
func InvalidConversationReason(lang Language) string {
	if lang == LangKazakh {
		return "Чат табылмады. Басқасына ауысамыз..."
	}
	return "Чат не найден. Переключаемся..."
}
