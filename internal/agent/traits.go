package agent

import (
	"strconv"
	"strings"
	"time"

	"github.com/lovediary/agent-service/internal/model"
)

var genderNames = map[int]string{
	0: "Male",
	1: "Female",
	2: "NonBinary",
}

var orientationNames = map[int]string{
	0: "Straight",
	1: "SameGender",
	2: "Bisexual",
	3: "Pansexual",
	4: "Asexual",
}

// Occupation and personality names must match the frontend's id mapping.
var occupationNames = []string{
	"Software Engineer",
	"Doctor",
	"Teacher",
	"Artist",
	"Chef",
	"Musician",
	"Writer",
	"Athlete",
	"Scientist",
	"Entrepreneur",
}

var personalityNames = []string{
	"Adventurous",
	"Caring",
	"Creative",
	"Analytical",
	"Outgoing",
	"Reserved",
	"Optimistic",
	"Pragmatic",
	"Romantic",
	"Mysterious",
}

// Traits is the human-readable view of a character sheet used in prompts.
type Traits struct {
	Name        string
	Age         int
	BirthYear   int
	Gender      string
	Orientation string
	Occupation  string
	Personality string
	WealthLevel string
	WealthDesc  string
}

// DeriveTraits resolves a character sheet's numeric ids into names and
// derives the wealth level from the character secret.
func DeriveTraits(sheet model.CharacterSheet, now time.Time) Traits {
	gender, ok := genderNames[sheet.Gender]
	if !ok {
		gender = "NonBinary"
	}
	orientation, ok := orientationNames[sheet.SexualOrientation]
	if !ok {
		orientation = "Straight"
	}
	level, desc := wealthLevel(sheet.Secret)
	return Traits{
		Name:        sheet.Name,
		Age:         now.UTC().Year() - sheet.BirthYear,
		BirthYear:   sheet.BirthYear,
		Gender:      gender,
		Orientation: orientation,
		Occupation:  occupationNames[nonNegMod(sheet.OccupationID, len(occupationNames))],
		Personality: personalityNames[nonNegMod(sheet.PersonalityID, len(personalityNames))],
		WealthLevel: level,
		WealthDesc:  desc,
	}
}

func nonNegMod(n, m int) int {
	r := n % m
	if r < 0 {
		r += m
	}
	return r
}

// wealthLevel derives a family wealth level from the last two hex digits of
// the character secret (0-255), giving deterministic randomness with this
// distribution: super rich 1.17%, rich 3.91%, comfortable 14.84%, middle
// class 50%, poor 25%, extreme poverty 5.08%.
func wealthLevel(secret string) (string, string) {
	secret = strings.TrimPrefix(strings.ToLower(secret), "0x")
	value := int64(128) // mid-range fallback for malformed secrets
	if len(secret) >= 2 {
		if v, err := strconv.ParseInt(secret[len(secret)-2:], 16, 64); err == nil {
			value = v
		}
	}
	switch {
	case value < 3:
		return "super_rich", "from an extremely wealthy family with generational wealth"
	case value < 13:
		return "rich", "from a well-off family with financial security"
	case value < 51:
		return "comfortable", "from a comfortable middle-class family"
	case value < 179:
		return "middle_class", "from a typical middle-class family"
	case value < 243:
		return "poor", "from a struggling working-class family"
	default:
		return "extreme_poverty", "from a family facing severe financial hardship"
	}
}
