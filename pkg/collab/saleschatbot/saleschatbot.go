// Package saleschatbot specifies the sales-lead notification collaborator:
// a pre-purchase chatbot surface that forwards qualified leads out of band.
// The core never calls into the chatbot's conversation logic — only this
// narrow notification seam.
package saleschatbot

import "context"

// Lead is a qualified prospect captured by the pre-purchase chat surface.
type Lead struct {
	ContactHandle string
	Interest      string
}

// Notifier forwards a captured Lead to wherever sales follows up, and
// carries the same chat back to the user once their node is ready.
type Notifier interface {
	NotifyLead(ctx context.Context, lead Lead) error
	NotifyReady(ctx context.Context, contactHandle, botUsername string) error
}
