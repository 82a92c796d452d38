// Package filter decides whether a scraped domain name is worth keeping.
// Everything here is pure and safe for concurrent use.
package filter

import (
	"regexp"
	"strings"
)

var (
	adultWords = []string{
		"porn", "xxx", "sex", "nude", "naked", "mature", "milf",
		"tube", "cam", "escort", "fetish", "hentai", "erotic",
		"onlyfans", "stripper", "hookup", "booty", "busty",
	}
	gamblingWords = []string{
		"casino", "bet", "poker", "slots", "jackpot", "gamble",
		"roulette", "blackjack", "lottery", "bingo", "wager",
		"sportbet", "betting", "1xbet", "stake",
	}
	drugWords = []string{
		"weed", "cannabis", "marijuana", "drug", "pill", "pharma",
		"opioid", "cocaine", "meth", "heroin", "kratom", "cbd",
		"thc", "vape", "smoke", "tobacco",
	}
	profanityEN = []string{
		"fuck", "shit", "ass", "damn", "bitch", "crap",
		"dick", "cock", "cunt", "whore", "slut",
	}
	profanityRU = []string{
		"блят", "хуй", "пизд", "ебат", "сука", "мудак",
		"жоп", "дерьм", "шлюх",
	}
	spamPatterns = []string{
		"buy-", "cheap-", "free-", "best-", "top-",
		"click", "deal", "discount", "promo",
	}
)

// StopWords is the combined default stop list.
var StopWords = concat(adultWords, gamblingWords, drugWords, profanityEN, profanityRU, spamPatterns)

var comFormat = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.com$`)

// IsClean reports whether name contains none of the stop words.
// The ".com" suffix and any dots are ignored before matching.
func IsClean(name string, extra ...string) bool {
	bare := strings.ToLower(name)
	bare = strings.Replace(bare, ".com", "", 1)
	bare = strings.ReplaceAll(bare, ".", "")

	for _, word := range StopWords {
		if strings.Contains(bare, word) {
			return false
		}
	}
	for _, word := range extra {
		if word != "" && strings.Contains(bare, strings.ToLower(word)) {
			return false
		}
	}
	return true
}

// IsValidFormat reports whether name looks like a second-level .com domain.
func IsValidFormat(name string) bool {
	return comFormat.MatchString(name)
}

// Filter keeps the names that are well formed and clean, preserving order.
func Filter(names []string, extra ...string) []string {
	kept := make([]string, 0, len(names))
	for _, n := range names {
		if IsValidFormat(n) && IsClean(n, extra...) {
			kept = append(kept, n)
		}
	}
	return kept
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}
