package domain

import "strings"

// CompanyTickers maps well-known company names to their tickers. Used when an
// incoming filing carries no ticker tag.
var CompanyTickers = map[string]string{
	"NVIDIA":                 "NVDA",
	"NVIDIA CORPORATION":     "NVDA",
	"TESLA":                  "TSLA",
	"TESLA INC":              "TSLA",
	"TESLA MOTORS":           "TSLA",
	"APPLE":                  "AAPL",
	"APPLE INC":              "AAPL",
	"GOOGLE":                 "GOOGL",
	"ALPHABET":               "GOOGL",
	"MICROSOFT":              "MSFT",
	"MICROSOFT CORPORATION":  "MSFT",
	"META":                   "META",
	"META PLATFORMS":         "META",
	"FACEBOOK":               "META",
	"AMAZON":                 "AMZN",
	"AMAZON.COM":             "AMZN",
	"AMD":                    "AMD",
	"ADVANCED MICRO DEVICES": "AMD",
	"INTEL":                  "INTC",
	"INTEL CORPORATION":      "INTC",
}

// knownTickers is the reverse set, for "(NVDA)" style mentions.
var knownTickers = func() map[string]bool {
	m := make(map[string]bool, len(CompanyTickers))
	for _, t := range CompanyTickers {
		m[t] = true
	}
	return m
}()

// ExtractTicker finds a ticker mention in free text. Parenthesized or
// space-delimited ticker symbols win over company-name matches.
func ExtractTicker(text string) string {
	upper := strings.ToUpper(text)
	for t := range knownTickers {
		if strings.Contains(upper, "("+t+")") || strings.Contains(upper, " "+t+" ") {
			return t
		}
	}
	for name, t := range CompanyTickers {
		if strings.Contains(upper, name) {
			return t
		}
	}
	return ""
}

// ExtractTickerFromFilename matches tickers in filenames like "NVDA_10K.pdf".
func ExtractTickerFromFilename(filename string) string {
	upper := strings.ToUpper(filename)
	for t := range knownTickers {
		if strings.HasPrefix(upper, t) || strings.Contains(upper, "_"+t) {
			return t
		}
	}
	return ""
}
