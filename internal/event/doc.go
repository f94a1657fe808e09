/*
Package event provides the pub/sub bus that connects flow turns to their
observers.

A Bus is constructed by the process entry point and passed to every component
that publishes or listens; there is no package-level instance.

# Delivery

In-process subscribers registered with Subscribe or SubscribeAll are called
directly, so Data keeps its concrete type:

	unsub := bus.Subscribe(event.TurnCompleted, func(e event.Event) {
		turn := e.Data.(event.TurnData)
		...
	})
	defer unsub()

Publish calls each subscriber in its own goroutine; PublishSync calls them in
order before returning.

Every published event is also encoded as JSON and sent to the watermill
GoChannel topic "flowproxy.events". Messages returns a subscription to that
stream; consumers decode payloads with Decode and ack each message. The turn
history recorder reads events this way.

# Event Types

  - turn.started: a turn was registered and its prompt selected
  - turn.completed: a turn reached its complete event
  - turn.failed: a turn ended with an error event or failed before streaming
  - artifact.cached: a session's cached artifact was replaced
  - prompts.reloaded: the prompt templates were reloaded from disk
*/
package event
