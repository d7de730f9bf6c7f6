// Package notify delivers job status payloads to webhook sinks and live
// subscribers. Delivery is fire-and-forget from the pipeline's perspective:
// a failed delivery never propagates to the caller and never blocks a status
// transition beyond the cost of a channel send.
package notify
