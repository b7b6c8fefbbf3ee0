package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	c := Default()

	tests := []struct {
		name  string
		query string
		want  Level
	}{
		{name: "empty query", query: "", want: LevelLow},
		{name: "timeless question", query: "Who is the best soccer player?", want: LevelLow},
		{name: "high term", query: "What's the weather today?", want: LevelHigh},
		{name: "case insensitive", query: "LATEST release notes", want: LevelHigh},
		{name: "multi word high term", query: "what is trending at the moment", want: LevelHigh},
		{name: "medium term", query: "What happened yesterday?", want: LevelMedium},
		{name: "medium trend", query: "housing price trend in Lisbon", want: LevelMedium},
		// "last week" contains the high term "last", and high is checked first.
		{name: "high wins over medium", query: "scores from last week", want: LevelHigh},
		{name: "substring match", query: "knowledge of the nowhere man", want: LevelHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(tt.query))
		})
	}
}

func TestNewClassifier_CustomTerms(t *testing.T) {
	c := NewClassifier([]string{"  Breaking "}, []string{"season"})

	assert.Equal(t, LevelHigh, c.Classify("breaking news"))
	assert.Equal(t, LevelMedium, c.Classify("this season standings"))
	assert.Equal(t, LevelLow, c.Classify("what is the weather today"))
}

func TestNewClassifier_EmptyListsUseDefaults(t *testing.T) {
	c := NewClassifier(nil, []string{})

	assert.Equal(t, LevelHigh, c.Classify("status of my order"))
	assert.Equal(t, LevelMedium, c.Classify("previous champion"))
}

func TestClassify_UnicodeFolding(t *testing.T) {
	c := NewClassifier([]string{"Straße"}, []string{"ÉTAT"})

	assert.Equal(t, LevelHigh, c.Classify("Sperrung der STRASSE"))
	assert.Equal(t, LevelMedium, c.Classify("rapport sur l'état du réseau"))
	assert.Equal(t, LevelLow, c.Classify("ciao"))
}
