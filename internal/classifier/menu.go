package classifier

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// MinMenuOptions is the number of distinct options needed to treat text as a menu.
const MinMenuOptions = 2

// Menu is the result of scanning a message for numbered options.
type Menu struct {
	// Options maps option number to its lowercased description.
	Options map[int]string `json:"options,omitempty"`
	// IsMenu is true when at least MinMenuOptions distinct options were found.
	IsMenu bool `json:"is_menu"`
	// BestOption is the selected option number, or 0 when none was selected.
	BestOption int `json:"best_option,omitempty"`
	// Group names the keyword group that selected BestOption.
	Group string `json:"group,omitempty"`
}

// HasSelection reports whether a menu was found and an option chosen.
func (m Menu) HasSelection() bool {
	return m.IsMenu && m.BestOption > 0
}

// Reply is the text sent back to pick the selected option.
func (m Menu) Reply() string {
	return strconv.Itoa(m.BestOption)
}

// menuPatterns cover "1 - text", "1) text", "1. text" and "*1* text" layouts.
// They overlap on purpose; the first pattern to claim a number wins.
var menuPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*(\d{1,2})\s*[-–—]\s*(.+)$`),
	regexp.MustCompile(`(?m)^\s*(\d{1,2})\s*\)\s*(.+)$`),
	regexp.MustCompile(`(?m)^\s*(\d{1,2})\.\s+(.+)$`),
	regexp.MustCompile(`\*(\d{1,2})\*\s*[-–—.)]?\s*([^\n*]+)`),
	regexp.MustCompile(`(?m)^\s*(\d{1,2})\s*️⃣\s*(.+)$`),
}

// keywordGroup is one priority tier for option selection.
type keywordGroup struct {
	name     string
	keywords []string
}

// menuPriority is evaluated in order; the first group with a matching option wins.
var menuPriority = []keywordGroup{
	{"administrativo", []string{"administrativo", "administração", "administracao", "adm ", "secretaria", "recepção", "recepcao"}},
	{"financeiro", []string{"financeiro", "finanças", "financas", "contas a pagar", "contas a receber", "cobrança", "cobranca", "pagamento", "boleto"}},
	{"gerencia", []string{"gerência", "gerencia", "gerente", "diretoria", "diretor", "gestão", "gestao", "responsável", "responsavel"}},
	{"engenharia", []string{"engenharia", "engenheiro", "obras", "construção", "construcao", "projetos", "técnico", "tecnico"}},
	{"comercial", []string{"comercial", "vendas", "vendedor", "orçamento", "orcamento", "compras", "cotação", "cotacao"}},
}

// DetectMenu extracts numbered options from text and selects the best one by
// keyword group priority. Within a group the lowest option number wins.
func DetectMenu(text string) Menu {
	options := make(map[int]string)
	for _, p := range menuPatterns {
		for _, m := range p.FindAllStringSubmatch(text, -1) {
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= 0 {
				continue
			}
			if _, seen := options[n]; seen {
				continue
			}
			desc := strings.ToLower(strings.TrimSpace(m[2]))
			if desc == "" {
				continue
			}
			options[n] = desc
		}
	}

	menu := Menu{Options: options, IsMenu: len(options) >= MinMenuOptions}
	if !menu.IsMenu {
		return menu
	}

	numbers := make([]int, 0, len(options))
	for n := range options {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	for _, g := range menuPriority {
		for _, n := range numbers {
			desc := options[n] + " "
			for _, k := range g.keywords {
				if strings.Contains(desc, k) {
					menu.BestOption = n
					menu.Group = g.name
					return menu
				}
			}
		}
	}
	return menu
}
