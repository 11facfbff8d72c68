// Package llm is the gateway between the workflow runtime and the language
// model. It exposes exactly two call shapes: Plan, which turns a request
// plus conversation context into a schema-valid step plan, and ExecuteStep,
// which runs one step with a capped tool-call loop.
//
// Plan renders the JSON schema of the expected output into the prompt and
// retries with a corrective message when the model returns something that
// does not parse or validate; after the attempt budget it fails with
// *PlannerError. ExecuteStep feeds tool results back to the model for up
// to maxToolRounds rounds and fails with *ExecutionError on tool or model
// failure, or *UnknownToolError when the model asks for a tool outside
// the authorized set (the runtime may then load the owning integration
// and retry once).
//
// Both operations accept a streaming token callback. Gateways are shared
// across requests through a Pool keyed by model and credential hash;
// transient provider errors are retried with jittered exponential backoff.
package llm
