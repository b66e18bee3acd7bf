package findata

import (
	"encoding/json"
	"regexp"
)

// endpointSpec describes one logical endpoint of the remote service: where it
// lives, which breaker/limiter keys guard it, and how many items one call may
// carry.
type endpointSpec struct {
	name       string // logical service key: breaker identity, metric label
	category   string // rate-limit category key
	path       string
	maxPerCall int
}

var (
	epQuote      = endpointSpec{name: "quote", category: "quote", path: "/v3/quote", maxPerCall: 50}
	epProfile    = endpointSpec{name: "profile", category: "profile", path: "/v3/profile", maxPerCall: 25}
	epHistorical = endpointSpec{name: "historical", category: "historical", path: "/v3/historical-price-full", maxPerCall: 1}
	epSearch     = endpointSpec{name: "search", category: "search", path: "/v3/search", maxPerCall: 1}
)

// symbolPattern is the accepted ticker format after normalization: uppercase
// alphanumerics plus the index/class/pair punctuation real tickers use
// (^GSPC, BRK-B, EURUSD=X).
const symbolPattern = `^[A-Z0-9^][A-Z0-9.\-^=]{0,19}$`

var symbolRe = regexp.MustCompile(symbolPattern)

// Quote is a real-time price snapshot for one symbol.
type Quote struct {
	Symbol        string  `json:"symbol"`
	Name          string  `json:"name"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePct     float64 `json:"changesPercentage"`
	DayLow        float64 `json:"dayLow"`
	DayHigh       float64 `json:"dayHigh"`
	YearLow       float64 `json:"yearLow"`
	YearHigh      float64 `json:"yearHigh"`
	MarketCap     float64 `json:"marketCap"`
	Volume        int64   `json:"volume"`
	AvgVolume     int64   `json:"avgVolume"`
	Open          float64 `json:"open"`
	PreviousClose float64 `json:"previousClose"`
	EPS           float64 `json:"eps"`
	PE            float64 `json:"pe"`
	Timestamp     int64   `json:"timestamp"`
}

// Profile is the company profile for one symbol.
type Profile struct {
	Symbol      string  `json:"symbol"`
	CompanyName string  `json:"companyName"`
	Exchange    string  `json:"exchangeShortName"`
	Industry    string  `json:"industry"`
	Sector      string  `json:"sector"`
	Country     string  `json:"country"`
	Currency    string  `json:"currency"`
	Website     string  `json:"website"`
	Description string  `json:"description"`
	CEO         string  `json:"ceo"`
	Employees   string  `json:"fullTimeEmployees"`
	Beta        float64 `json:"beta"`
	MarketCap   float64 `json:"mktCap"`
	IPODate     string  `json:"ipoDate"`
}

// HistoricalBar is one day of OHLCV history.
type HistoricalBar struct {
	Date     string  `json:"date"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	AdjClose float64 `json:"adjClose"`
	Volume   int64   `json:"volume"`
	VWAP     float64 `json:"vwap"`
}

// historicalEnvelope is the wrapper object the history endpoint returns.
type historicalEnvelope struct {
	Symbol     string          `json:"symbol"`
	Historical []HistoricalBar `json:"historical"`
}

// SearchResult is one match from the symbol search endpoint.
type SearchResult struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Exchange string `json:"exchangeShortName"`
}

// decodeRows decodes payload rows of a bulk result into a typed slice.
func decodeRows[T any](rows []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		var v T
		if err := json.Unmarshal(row, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
