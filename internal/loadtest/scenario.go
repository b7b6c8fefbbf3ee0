package loadtest

import "math/rand/v2"

// PrimeQuery seeds the cache in the correctness flow; ParaphraseQuery must
// then resolve semantically against it.
const (
	PrimeQuery      = "Who is the best soccer player?"
	ParaphraseQuery = "Who is one of the best soccer players?"
)

// SoccerVariants are near-duplicates of the prime query that should land on
// the semantic tier once the cache is warm.
var SoccerVariants = []string{
	"Who is the best soccer player",
	"Who is the best soccer player??",
	"Who is the best soccer player?!",
	"Who's the best soccer player?",
	"Who is the best soccer player in the world?",
	"Who is the best soccer player in one sentence?",
	"Who is the best soccer player (soccer)?",
	"Who is one of the best soccer players",
	"Who is one of the best soccer players?",
	"Who is one of the best soccer players??",
	"Who is one of the best soccer players?!",
	"Who is one of the best soccer players in the world?",
	"Who is one of the best soccer players in one sentence?",
	"Who is one of the best soccer players (soccer)?",
}

// LowRiskQueries are cacheable questions.
var LowRiskQueries = []string{
	"What is the capital of France?",
	"Explain what semantic caching is in one sentence.",
	"Define vector search.",
	PrimeQuery,
	ParaphraseQuery,
}

// HighRiskQueries are time-sensitive and must always reach the model.
var HighRiskQueries = []string{
	"What's the weather today in New York?",
	"What is the current price of Bitcoin?",
	"Latest news today",
}

// Traffic mix for load users, as cumulative probabilities of a single roll.
const (
	forceRefreshShare = 0.05
	soccerShare       = 0.45
	highRiskShare     = 0.15
)

// pickQuery draws one load-user request.
func pickQuery(rng *rand.Rand) (query string, forceRefresh bool) {
	roll := rng.Float64()
	forceRefresh = roll < forceRefreshShare
	switch {
	case roll < soccerShare:
		query = SoccerVariants[rng.IntN(len(SoccerVariants))]
	case roll < soccerShare+highRiskShare:
		query = HighRiskQueries[rng.IntN(len(HighRiskQueries))]
	default:
		query = LowRiskQueries[rng.IntN(len(LowRiskQueries))]
	}
	return query, forceRefresh
}
