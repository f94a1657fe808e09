// Package flow orchestrates one turn of a flow session.
//
// A turn registers with the session store, renders the generation or
// modification system prompt and then either streams the upstream response
// through the relay or sends a single request through the provider. Turn
// lifecycle events are published on the event bus.
package flow
