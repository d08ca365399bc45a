package relay

import (
	"crypto/rand"
	"math/big"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var nameColors = []string{
	"amber", "azure", "coral", "crimson", "emerald", "golden", "indigo",
	"ivory", "jade", "lavender", "maroon", "olive", "scarlet", "silver",
	"teal", "violet",
}

var nameAnimals = []string{
	"badger", "beaver", "bison", "falcon", "ferret", "fox", "heron",
	"lynx", "marten", "otter", "owl", "panther", "raven", "swift",
	"walrus", "wombat",
}

var titleCaser = cases.Title(language.English)

// RandomName generates a human-friendly display name like "Crimson Otter".
func RandomName() string {
	return titleCaser.String(pick(nameColors) + " " + pick(nameAnimals))
}

func pick(words []string) string {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(words))))
	if err != nil {
		return words[0]
	}
	return words[n.Int64()]
}
