// Package registry enumerates the external integrations a caller is
// authorized to use and the tools each one provides.
//
// A Catalog is the static description of every known integration (display
// metadata, auth requirement, request patterns, tool constructors). Build
// narrows the catalog to a per-request Registry using the caller's
// credentials: integrations whose token is missing are omitted. The
// Registry is immutable for the request; WithIntegration returns an
// extended copy when an integration is loaded incrementally mid-run.
//
// Every tool carries an approval class. Mandatory tools (send_mail,
// create_document, create_event) force their step to pause for human
// approval; advisory tools attach a caution note; silent tools run
// unattended.
//
// Classify maps a request to integration names with regex patterns and a
// few intent defaults. It never calls an LLM.
package registry
