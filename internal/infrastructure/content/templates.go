package content

import (
	"strings"

	"github.com/abitura-hub/abitura-admission-hub/internal/domain/intervention"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATIC TEMPLATES
// Fallback texts used when the content generator is unavailable. Every
// action type must have an entry here: the dispatch engine never skips a
// send because content generation failed.
// ══════════════════════════════════════════════════════════════════════════════

const namePlaceholder = "{name}"

var staticTemplates = map[intervention.ActionType]string{
	intervention.ActionImmediateVoiceCall: "Здравствуйте, {name}! Это приёмная комиссия. " +
		"Мы заметили, что вы давно не заходили в личный кабинет, и хотим помочь вам " +
		"продолжить поступление. Нажмите 1, чтобы связаться с консультантом.",

	intervention.ActionVoiceRetry: "Здравствуйте, {name}! Это приёмная комиссия, мы уже " +
		"пытались до вас дозвониться. Ваша заявка ждёт вас. Нажмите 1, чтобы связаться " +
		"с консультантом.",

	intervention.ActionWhatsAppFollowup: "Здравствуйте, {name}! Мы не смогли до вас дозвониться. " +
		"Ваша заявка на поступление всё ещё активна. Ответьте на это сообщение, и мы поможем " +
		"с любым вопросом.",

	intervention.ActionDocumentReminder: "Здравствуйте, {name}! Напоминаем: для завершения заявки " +
		"осталось загрузить документы в личном кабинете. Это займёт около 10 минут.",

	intervention.ActionWelcomeMessage: "Здравствуйте, {name}! Спасибо за интерес к поступлению. " +
		"Ваш личный кабинет уже создан - продолжите заполнение заявки, когда будет удобно.",

	intervention.ActionCounselorEscalation: "Автоматические попытки контакта не дали результата. " +
		"Требуется ручной звонок консультанта.",
}

// staticTemplate renders the fallback text for an action type.
func staticTemplate(actionType intervention.ActionType, fullName string) string {
	tpl, ok := staticTemplates[actionType]
	if !ok {
		tpl = staticTemplates[intervention.ActionWhatsAppFollowup]
	}
	return strings.ReplaceAll(tpl, namePlaceholder, fullName)
}
