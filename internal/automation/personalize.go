package automation

import (
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/liyaqa/drip-engine/internal/domain"
	"github.com/liyaqa/drip-engine/internal/pkg/logger"
)

// Personalizer renders step content against member fields using Liquid.
// Parsed templates are cached by their source text. Placeholders that name
// no member field are left in the output as written.
type Personalizer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewPersonalizer creates a Personalizer with a fresh Liquid engine. The
// engine rejects undefined variables so Render can fall back to literal
// replacement instead of blanking them.
func NewPersonalizer() *Personalizer {
	engine := liquid.NewEngine()
	engine.StrictVariables()
	return &Personalizer{engine: engine}
}

// Bindings returns the template variables for m in lang.
func Bindings(m *domain.Member, lang string) map[string]interface{} {
	return map[string]interface{}{
		"firstName": m.FirstName.Get(lang),
		"lastName":  m.LastName.Get(lang),
		"fullName":  m.FullName(lang),
		"email":     m.Email,
		"phone":     m.Phone,
	}
}

// Render substitutes member fields into text. Text that is not valid Liquid,
// or that uses an unknown variable, falls back to literal replacement of the
// known placeholders.
func (p *Personalizer) Render(text string, m *domain.Member, lang string) string {
	if text == "" || !strings.Contains(text, "{{") {
		return text
	}
	bindings := Bindings(m, lang)

	tpl, err := p.parse(text)
	if err == nil {
		out, rerr := tpl.RenderString(bindings)
		if rerr == nil {
			return out
		}
		err = rerr
	}
	logger.Debug("liquid render failed, using literal substitution", "error", err)
	return literalReplace(text, bindings)
}

func (p *Personalizer) parse(text string) (*liquid.Template, error) {
	if cached, ok := p.cache.Load(text); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := p.engine.ParseString(text)
	if err != nil {
		return nil, err
	}
	p.cache.Store(text, tpl)
	return tpl, nil
}

func literalReplace(text string, bindings map[string]interface{}) string {
	pairs := make([]string, 0, len(bindings)*4)
	for k, v := range bindings {
		s, _ := v.(string)
		pairs = append(pairs, "{{"+k+"}}", s, "{{ "+k+" }}", s)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
