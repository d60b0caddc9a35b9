package classifier

import (
	"regexp"
	"strings"
)

// botMarkers are lowercase substrings typical of canned greetings, group
// invite spam and promotional blasts sent by other automated numbers.
var botMarkers = []string{
	"mensagem automática",
	"mensagem automatica",
	"resposta automática",
	"resposta automatica",
	"this is an automated message",
	"não responda esta mensagem",
	"nao responda esta mensagem",
	"chat.whatsapp.com/",
	"entre no nosso grupo",
	"entrou usando o link de convite",
	"convite para grupo",
	"promoção imperdível",
	"promocao imperdivel",
	"cupom de desconto",
	"clique no link abaixo",
	"descadastrar",
	"para sair da lista",
	"agradecemos seu contato, em breve retornaremos",
	"estamos fora do horário de atendimento",
	"[bot]",
}

// IsBotMessage reports whether text contains any automated-sender marker.
func IsBotMessage(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range botMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// namePatterns match "what is your name / who am I talking to" in Portuguese.
var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)qual\s+(é|e|eh)?\s*(o\s+)?(seu|teu)\s+nome`),
	regexp.MustCompile(`(?i)como\s+(você|voce|vc|tu)\s+se\s+chama`),
	regexp.MustCompile(`(?i)com\s+quem\s+(eu\s+)?(estou|to|tô|falo)`),
	regexp.MustCompile(`(?i)quem\s+(é|e|eh)\s+(você|voce|vc)`),
	regexp.MustCompile(`(?i)quem\s+(está|esta|ta|tá)\s+falando`),
	regexp.MustCompile(`(?i)quem\s+fala\b`),
	regexp.MustCompile(`(?i)(seu|teu)\s+nome,?\s+(por\s+favor|pf|pfv)`),
	regexp.MustCompile(`(?i)(pode|poderia)\s+(me\s+)?(dizer|informar|falar)\s+(o\s+)?(seu|teu)\s+nome`),
	regexp.MustCompile(`(?i)(me\s+)?(diga|informe|fala)\s+(o\s+)?(seu|teu)\s+nome`),
}

// IsNameRequest reports whether text asks for the assistant's name.
func IsNameRequest(text string) bool {
	for _, p := range namePatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// DefaultTransferKeywords are the built-in phrases meaning "let me talk to a person".
var DefaultTransferKeywords = []string{
	"falar com atendente",
	"atendente humano",
	"atendimento humano",
	"falar com alguém",
	"falar com alguem",
	"preciso de ajuda humana",
	"transferir",
	"humano",
	"falar com uma pessoa",
	"pessoa de verdade",
	"pessoa real",
	"falar com o gerente",
	"falar com gerente",
	"falar com o responsável",
	"falar com o responsavel",
	"falar com responsável",
	"falar com o dono",
	"falar com o proprietário",
	"falar com o proprietario",
	"falar com o supervisor",
	"falar com supervisor",
	"falar com o atendente",
	"chamar atendente",
	"não quero falar com robô",
	"nao quero falar com robo",
}

// ShouldTransfer matches text case-insensitively against keywords, or against
// DefaultTransferKeywords when keywords is nil.
func ShouldTransfer(text string, keywords []string) bool {
	if keywords == nil {
		keywords = DefaultTransferKeywords
	}
	lower := strings.ToLower(text)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
