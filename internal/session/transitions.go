package session

import "github.com/JakeFAU/siterag/internal/rag"

var edges = map[rag.Status][]rag.Status{
	rag.StatusPending:   {rag.StatusScraping},
	rag.StatusScraping:  {rag.StatusScraped, rag.StatusScrapeFailed},
	rag.StatusScraped:   {rag.StatusEmbedding},
	rag.StatusEmbedding: {rag.StatusReady, rag.StatusEmbedFailed},
}

// CanTransition reports whether from -> to is an edge of the session state machine.
// Every non-terminal state may also fall into failed.
func CanTransition(from, to rag.Status) bool {
	if from.Terminal() {
		return false
	}
	if to == rag.StatusFailed {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}
