// Package api defines the wire types of the sandbox session API.
//
// The API is consumed by the chat tool layer: it acquires a sandbox for a
// conversation, runs Python code or shell commands in it, and uploads
// files into it. This package holds the JSON request and response types,
// structured errors, ID generation and request validation. It performs no
// I/O and depends only on the standard library.
//
// Core types:
//   - [Session]: what the service knows about one session key
//   - [RunCodeRequest], [RunCommandRequest], [UploadFilesRequest]: operations on a session
//   - [ExecutionResult], [UploadResult]: operation results
//   - [APIError]: structured error with type, code, param and message
package api
