package domain

// Terminal reports whether the request can no longer change status.
func (s RequestStatus) Terminal() bool {
	switch s {
	case RequestCompleted, RequestDeclined, RequestWithdrawn:
		return true
	}
	return false
}

// requestEdges is the forward part of the request graph. The side exits
// (declined, withdrawn, quote_rejected) are legal from every non-terminal
// state and are handled in CanTransition.
var requestEdges = map[RequestStatus][]RequestStatus{
	RequestDraft:                     {RequestPendingQuote},
	RequestPendingQuote:              {RequestQuoteProvided},
	RequestQuoteProvided:             {RequestPendingArtistConfirmation, RequestConfirmed},
	RequestPendingArtistConfirmation: {RequestConfirmed},
	RequestConfirmed:                 {RequestCompleted},
	RequestQuoteRejected:             {RequestPendingQuote},
}

// CanTransition reports whether from -> to is an edge of the request graph.
func CanTransition(from, to RequestStatus) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case RequestDeclined, RequestWithdrawn, RequestQuoteRejected:
		return true
	}
	for _, next := range requestEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanTransitionQuote reports whether a quote may move from -> to.
func CanTransitionQuote(from, to QuoteStatus) bool {
	if from != QuotePending {
		return false
	}
	switch to {
	case QuoteAccepted, QuoteRejected, QuoteExpired:
		return true
	}
	return false
}
