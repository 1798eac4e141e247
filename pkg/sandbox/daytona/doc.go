// Package daytona implements sandbox.Provider against the Daytona REST API.
//
// The control plane (list, create, read, start) lives under the API URL;
// process execution and file uploads go through the per-sandbox toolbox
// endpoints on the same host. Responses are classified into the sandbox
// error sentinels: network failures, 429 and 5xx are transient, 404 is
// not-found, and other 4xx on creation are hard creation failures.
package daytona
