// Package services provides the shared error taxonomy and context annotation
// helpers used by pipeline stages and the components that run them.
package services
