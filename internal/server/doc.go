// Package server hosts the Fiber HTTP service and its middleware chain.
// It owns request IDs, panic recovery and the route table for image
// requests; the image semantics live behind the ImageHandler interface so
// tests can inject fakes. Diagnostics under /-/ are registered by the
// routes subpackage.
package server
