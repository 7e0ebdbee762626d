package wake

import (
	"strings"
	"unicode"
)

// Action is a control command recognized in a transcript.
type Action int

const (
	ActionNone Action = iota
	ActionShutdown
	ActionRestart
	ActionInterrupt
	ActionStandbyOn
	ActionStandbyOff
	ActionSnoozeOn
	ActionSnoozeOff
)

// String returns the snake_case label used in logs.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionShutdown:
		return "shutdown"
	case ActionRestart:
		return "restart"
	case ActionInterrupt:
		return "interrupt"
	case ActionStandbyOn:
		return "standby_on"
	case ActionStandbyOff:
		return "standby_off"
	case ActionSnoozeOn:
		return "snooze_on"
	case ActionSnoozeOff:
		return "snooze_off"
	default:
		return "unknown"
	}
}

// Binding pairs an action with the phrases that trigger it.
type Binding struct {
	Action  Action
	Phrases []string
}

// Commands matches control phrases in transcripts. Single bare words must
// match a whole token of the text; multi-word or hyphenated phrases match by
// substring. Bindings are checked in declaration order, so an utterance
// containing phrases from several bindings resolves to the earliest one.
type Commands struct {
	bindings []compiledBinding
}

type compiledBinding struct {
	action  Action
	words   []string
	phrases []string
}

// NewCommands compiles bindings, folding every phrase.
func NewCommands(bindings ...Binding) *Commands {
	c := &Commands{bindings: make([]compiledBinding, 0, len(bindings))}
	for _, b := range bindings {
		cb := compiledBinding{action: b.Action}
		for _, phrase := range b.Phrases {
			phrase = Fold(phrase)
			if phrase == "" {
				continue
			}
			if bareWord(phrase) {
				cb.words = append(cb.words, phrase)
			} else {
				cb.phrases = append(cb.phrases, phrase)
			}
		}
		c.bindings = append(c.bindings, cb)
	}
	return c
}

// DefaultCommands returns the built-in Portuguese control phrases. Shutdown
// outranks interrupt, and the mode exits come before the mode entries so that
// "sair do standby" resolves to the exit rather than to the bare "standby"
// it contains.
func DefaultCommands() *Commands {
	return NewCommands(
		Binding{ActionShutdown, []string{
			"desligar", "desliga", "quit", "exit", "encerrar sistema",
		}},
		Binding{ActionRestart, []string{
			"reiniciar", "restart", "reboot", "reinicie",
		}},
		Binding{ActionInterrupt, []string{
			"parar", "pare", "silêncio", "mudo", "cancelar", "chega",
		}},
		Binding{ActionStandbyOff, []string{
			"voltar", "retome", "acordar", "acorde", "despausar",
			"sair do standby", "sair do stand-by", "modo normal", "continuar",
		}},
		Binding{ActionSnoozeOff, []string{
			"acordar", "acorde", "retomar", "retome", "voltar",
			"modo normal", "continuar",
		}},
		Binding{ActionStandbyOn, []string{
			"standby", "stand-by", "modo standby", "modo stand-by",
			"pausar", "pause", "pausa", "dormir", "descansar",
		}},
		Binding{ActionSnoozeOn, []string{
			"soneca", "modo soneca", "cochilar",
		}},
	)
}

// Match reports the first action whose phrases appear in text.
func (c *Commands) Match(text string) (Action, bool) {
	t := Fold(text)
	if t == "" {
		return ActionNone, false
	}
	set := make(map[string]struct{})
	for _, tok := range tokens(t) {
		set[tok] = struct{}{}
	}
	for _, b := range c.bindings {
		for _, w := range b.words {
			if _, ok := set[w]; ok {
				return b.action, true
			}
		}
		for _, p := range b.phrases {
			if strings.Contains(t, p) {
				return b.action, true
			}
		}
	}
	return ActionNone, false
}

// bareWord reports whether a folded phrase is one token with no separators.
func bareWord(p string) bool {
	for _, r := range p {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return p != ""
}
