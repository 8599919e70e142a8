// Package model defines the text-generation provider contract, the
// transient-vs-permanent error taxonomy and the tiered fallback invoker
// used by every synthesis step of the engine. Concrete provider adapters
// live in the openai and anthropic subpackages; MockProvider serves tests
// and examples.
package model
