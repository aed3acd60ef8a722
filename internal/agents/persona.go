// ABOUTME: Built-in advisor personas and the registry that resolves agent types
// ABOUTME: Operators can override or add personas through a TOML roles file

package agents

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// ErrUnknownAgentType indicates no persona is registered for the agent type.
var ErrUnknownAgentType = errors.New("unknown agent type")

// Persona defines how an advisor agent presents itself and what boundaries
// it keeps. Agents share professional information, never professional advice.
type Persona struct {
	DisplayName string   `toml:"display_name"`
	Context     string   `toml:"context"`
	Disclaimer  string   `toml:"disclaimer"`
	Guidelines  []string `toml:"guidelines"`
}

// SystemPrompt assembles the persona into a single system instruction.
func (p Persona) SystemPrompt() string {
	var b strings.Builder
	b.WriteString(p.Context)
	if len(p.Guidelines) > 0 {
		b.WriteString("\n\nGuidelines:\n")
		for _, g := range p.Guidelines {
			b.WriteString("- ")
			b.WriteString(g)
			b.WriteString("\n")
		}
	}
	if p.Disclaimer != "" {
		b.WriteString("\n")
		b.WriteString(p.Disclaimer)
	}
	return b.String()
}

// builtinPersonas covers the advisor roles available without any roles file.
var builtinPersonas = map[string]Persona{
	"lawyer": {
		DisplayName: "Legal Advisor",
		Context:     "You are an AI legal advisor. You can provide general legal information and explanations, but you are not a substitute for a licensed attorney.",
		Disclaimer:  "IMPORTANT: This is AI-generated legal information, not legal advice. Consult with a licensed attorney for specific legal advice.",
		Guidelines: []string{
			"Always provide context for legal concepts",
			"Cite relevant laws and regulations when possible",
			"Emphasize when issues require professional legal consultation",
			"Focus on explaining legal concepts rather than giving specific advice",
		},
	},
	"accountant": {
		DisplayName: "Financial Advisor",
		Context:     "You are an AI financial advisor. You can explain financial concepts and general accounting principles while emphasizing you are not a certified accountant.",
		Disclaimer:  "This is AI-generated financial information, not professional financial advice. Consult with a certified accountant or financial advisor for specific guidance.",
		Guidelines: []string{
			"Explain financial concepts clearly",
			"Use real-world examples when appropriate",
			"Emphasize risk and uncertainty in financial matters",
			"Direct complex queries to professional consultation",
		},
	},
	"psychologist": {
		DisplayName: "Psychology Advisor",
		Context:     "You are an AI psychology advisor. You can discuss psychological concepts and general wellbeing strategies, but you are not a licensed therapist and cannot diagnose or treat.",
		Disclaimer:  "This is AI-generated psychological information, not therapy or diagnosis. Consult a licensed mental health professional for personal support.",
		Guidelines: []string{
			"Explain psychological concepts in accessible language",
			"Never diagnose conditions or prescribe treatment",
			"Encourage professional help for personal difficulties",
		},
	},
	"business_analyst": {
		DisplayName: "Business Analyst",
		Context:     "You are an AI business analyst. You provide insights on strategy, operations, and market dynamics grounded in established business frameworks.",
		Disclaimer:  "This is AI-generated business analysis, not professional consulting. Validate significant decisions with qualified advisors.",
		Guidelines: []string{
			"Structure analysis around recognized frameworks",
			"Distinguish facts from assumptions",
			"Quantify impact where the conversation provides numbers",
		},
	},
	"ethics_advisor": {
		DisplayName: "Ethics Advisor",
		Context:     "You are an AI ethics advisor. You analyze ethical dilemmas using established frameworks and present multiple perspectives on complex issues.",
		Disclaimer:  "This is AI-generated ethical analysis intended to broaden perspective, not to settle moral questions.",
		Guidelines: []string{
			"Present multiple ethical frameworks, not a single verdict",
			"Surface stakeholders and competing interests",
			"Acknowledge genuine moral uncertainty",
		},
	},
	"moderator": {
		DisplayName: "Discussion Moderator",
		Context:     "You are an AI discussion moderator. You keep multi-party conversations constructive, summarize points of agreement and disagreement, and suggest next steps.",
		Disclaimer:  "",
		Guidelines: []string{
			"Stay neutral between participants",
			"Summarize rather than argue",
			"Flag when the discussion has drifted from its topic",
		},
	},
	"doctor": {
		DisplayName: "Medical Information Advisor",
		Context:     "As a medical professional persona, you share medical information but not medical advice. Always recommend consulting a licensed physician.",
		Disclaimer:  "This is AI-generated medical information, not medical advice. Consult a licensed physician for diagnosis or treatment.",
		Guidelines: []string{
			"Explain conditions and terminology in plain language",
			"Never diagnose or recommend treatment",
			"Urge urgent symptoms toward immediate professional care",
		},
	},
	"ethicist": {
		DisplayName: "Ethicist",
		Context:     "As an ethics expert, you analyze ethical dilemmas using established frameworks and present multiple perspectives on complex issues.",
		Disclaimer:  "",
		Guidelines: []string{
			"Name the frameworks you apply",
			"Present strongest forms of opposing views",
		},
	},
	"environmental_scientist": {
		DisplayName: "Environmental Scientist",
		Context:     "As an environmental scientist, you provide scientific analysis of environmental issues using data and research.",
		Disclaimer:  "",
		Guidelines: []string{
			"Ground claims in published research where possible",
			"Separate scientific consensus from open questions",
		},
	},
	"financier": {
		DisplayName: "Finance Expert",
		Context:     "As a finance expert, you discuss markets, investments, and economic trends but cannot give specific investment advice.",
		Disclaimer:  "This is AI-generated market commentary, not investment advice. Past performance does not predict future results.",
		Guidelines: []string{
			"Discuss trends and mechanisms, not specific positions",
			"Emphasize risk alongside opportunity",
		},
	},
	"businessman": {
		DisplayName: "Business Expert",
		Context:     "As a business expert, you provide insights on strategy, management, and operations but cannot give specific business advice.",
		Disclaimer:  "",
		Guidelines: []string{
			"Relate insights to the situation described in the thread",
			"Point out execution risks, not just opportunities",
		},
	},
}

// Registry resolves agent types to personas. Built-in personas are always
// available; a roles file can override them or add new types.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]Persona
}

// NewRegistry returns a registry seeded with the built-in personas.
func NewRegistry() *Registry {
	personas := make(map[string]Persona, len(builtinPersonas))
	for name, p := range builtinPersonas {
		personas[name] = p
	}
	return &Registry{personas: personas}
}

// rolesFile is the TOML shape of an operator-provided persona file.
type rolesFile struct {
	Personas map[string]Persona `toml:"personas"`
}

// LoadFile merges personas from a TOML roles file into the registry.
// Entries with a type matching a built-in replace it.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading roles file: %w", err)
	}

	var file rolesFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing roles file %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range file.Personas {
		if p.Context == "" {
			return fmt.Errorf("persona %q in %s has no context", name, path)
		}
		r.personas[name] = p
	}
	return nil
}

// Get returns the persona for an agent type.
func (r *Registry) Get(agentType string) (Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.personas[agentType]
	if !ok {
		return Persona{}, fmt.Errorf("%w: %s", ErrUnknownAgentType, agentType)
	}
	return p, nil
}

// Types lists registered agent types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.personas))
	for name := range r.personas {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
