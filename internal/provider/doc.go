// Package provider routes AI-assisted analysis prompts across a ranked chain
// of interchangeable backends.
//
// Network backends (Gemini, Ollama) come first in rank order, an optional
// offline pattern tier follows, and a static rules tier that cannot fail
// closes the chain, so Generate always returns an answer unless the caller
// gives up. Backends degrade after one failure and leave rotation after a
// configurable run of consecutive failures; only a successful health probe
// brings them back.
package provider
