// Package agents defines advisor personas and response generation.
//
// # Personas
//
// A persona is an agent type (lawyer, accountant, psychologist, ...) with a
// system prompt assembled from its context, guidelines, and a mandatory
// disclaimer. A built-in set ships with the registry; operators can
// override or extend it with a TOML roles file:
//
//	[personas.sommelier]
//	display_name = "Sommelier"
//	context = "You are a knowledgeable sommelier..."
//	disclaimer = "Drink responsibly."
//	guidelines = ["Suggest affordable alternatives"]
//
// # Generation
//
// Generator is the provider abstraction: one call, one response. The
// OpenAI implementation maps conversation history onto chat roles, with
// the responding agent's own prior messages as assistant turns and
// everyone else (humans and other agents) as attributed user turns. The
// persona disclaimer is always appended to the reply.
package agents
