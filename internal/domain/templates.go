package domain

import (
	"strconv"
	"strings"
)

// Default drip templates, one per day and language. A campaign day message
// overrides these only when both languages are filled in.
var defaultTemplates = map[string][DripDays]string{
	LangFR: {
		"Salut {{name}} ! C'est de la part de {{referrerName}}. Ton inscription est presque terminée, il ne reste que le paiement de ton abonnement. On t'attend !",
		"Bonjour {{name}}, petit rappel : ton compte est en attente d'activation. Finalise ton abonnement pour commencer à gagner avec {{referrerName}}.",
		"{{name}}, jour {{day}} ! Les membres actifs reçoivent déjà leurs premiers gains. Active ton compte dès aujourd'hui.",
		"Hello {{name}}, {{referrerName}} compte sur toi. L'activation prend moins de 2 minutes, pourquoi attendre ?",
		"{{name}}, plus que quelques jours pour profiter de ton lien de parrainage avec {{referrerName}}. Active ton abonnement maintenant.",
		"Bonjour {{name}}, c'est bientôt la fin de tes rappels. Ne laisse pas passer l'opportunité que {{referrerName}} t'a partagée.",
		"Dernier rappel {{name}} ! Après aujourd'hui on ne t'écrira plus. Active ton compte et rejoins l'équipe de {{referrerName}}.",
	},
	LangEN: {
		"Hi {{name}}! This is on behalf of {{referrerName}}. Your signup is almost done, only your subscription payment is left. We're waiting for you!",
		"Hello {{name}}, quick reminder: your account is pending activation. Complete your subscription to start earning with {{referrerName}}.",
		"{{name}}, day {{day}}! Active members are already receiving their first earnings. Activate your account today.",
		"Hey {{name}}, {{referrerName}} is counting on you. Activation takes under 2 minutes, why wait?",
		"{{name}}, only a few days left to benefit from your referral link with {{referrerName}}. Activate your subscription now.",
		"Hello {{name}}, your reminders are almost over. Don't miss the opportunity {{referrerName}} shared with you.",
		"Last reminder {{name}}! After today we won't write again. Activate your account and join {{referrerName}}'s team.",
	},
}

// DefaultTemplate returns the stock message for a day (1-based) and language.
// Unknown languages fall back to French, the platform default.
func DefaultTemplate(day int, language string) string {
	tpls, ok := defaultTemplates[language]
	if !ok {
		tpls = defaultTemplates[LangFR]
	}
	if day < 1 || day > DripDays {
		day = 1
	}
	return tpls[day-1]
}

// RenderTemplate substitutes the supported variables into a template body.
func RenderTemplate(body, name, referrerName string, day int) string {
	r := strings.NewReplacer(
		"{{name}}", name,
		"{{referrerName}}", referrerName,
		"{{day}}", strconv.Itoa(day),
	)
	return r.Replace(body)
}

// EffectiveMessage resolves the text and media to send for one target day:
// the campaign override when fully set, otherwise the default template.
func EffectiveMessage(overrides []*DayMessage, day int, language, name, referrerName string) (body string, mediaURL *string) {
	tpl := DefaultTemplate(day, language)
	for _, m := range overrides {
		if m.Day == day {
			if m.IsSet() {
				tpl = m.Body(language)
			}
			mediaURL = m.MediaURL
			break
		}
	}
	return RenderTemplate(tpl, name, referrerName, day), mediaURL
}
