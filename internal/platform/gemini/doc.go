// Package gemini adapts Google's Gemini API to the network client shape the
// provider router expects.
//
// The package is an infrastructure adapter: it turns a rendered prompt into a
// single GenerateContent call and classifies failures so the router can tell
// a timeout or outage (transient) from a blocked or malformed response
// (permanent). Retries are not done here; the router's fallback to the next
// backend takes their place.
package gemini
