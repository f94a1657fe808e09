// Package relay streams one turn from the Anthropic messages API and
// normalizes the vendor event stream into start, content, complete and
// error events.
//
// A run reads "data: " lines, bounds each read with a per-chunk timeout and
// always ends with exactly one terminal event. On success the accumulated
// text is handed to an ArtifactCache once, before the complete event is
// sent.
package relay
