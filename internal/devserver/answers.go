package devserver

import "strings"

// cannedAnswers is the simulator's stand-in knowledge base, keyed by jargon
// term. Real retrieval lives in the production backend.
var cannedAnswers = map[string]string{
	"delta":   "Delta measures how much an option's price moves for a $1 move in BTC. A 0.6 delta call gains about $0.60 per $1 of upside.",
	"gamma":   "Gamma is the rate of change of delta. High gamma means delta shifts quickly as the BTC price moves.",
	"theta":   "Theta is time decay: the amount an option loses in value each day as expiry approaches.",
	"vega":    "Vega measures sensitivity to implied volatility. When vol rises, option premiums rise with it.",
	"strike":  "The strike is the price at which you can buy (call) or sell (put) BTC when exercising the option.",
	"premium": "The premium is what you pay up front for the option. It is the most a buyer can lose.",
	"call":    "A call option gives you the right to buy BTC at the strike price before expiry.",
	"put":     "A put option gives you the right to sell BTC at the strike price before expiry.",
}

const unavailableAnswer = "Golden Retriever 2.0 is not available. Please check the installation."

// answerFor returns a canned answer and confidence for a question. Unknown
// questions get a zero-confidence fallback, matching the production
// backend's degraded mode.
func answerFor(question string) (string, float64) {
	lower := strings.ToLower(question)
	for term, answer := range cannedAnswers {
		if strings.Contains(lower, term) {
			return answer, 1.0
		}
	}
	return "I don't have a good answer for that yet. Try asking about option greeks like delta or theta.", 0.0
}
