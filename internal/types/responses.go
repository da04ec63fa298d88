package types

import "time"

// AuthToken is the persisted OAuth2 token pair with absolute expiries.
type AuthToken struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	AccessExpiresIn  int64     `json:"access_expires_in"`
	RefreshExpiresIn int64     `json:"refresh_expires_in"`
}

// TokenGrant is the brokerage's token endpoint response.
type TokenGrant struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token"`
	TokenType             string `json:"token_type"`
	Scope                 string `json:"scope"`
	ExpiresIn             int64  `json:"expires_in"`
	RefreshTokenExpiresIn int64  `json:"refresh_token_expires_in"`
}

// AccountResponse is the engine-facing account snapshot.
type AccountResponse struct {
	Balance     float64 `json:"balance"`
	TradeValue  float64 `json:"trade_value"`
	MarginValue float64 `json:"margin_value"`
}

// AssetResponse pairs a parsed asset with its current quote.
type AssetResponse struct {
	Asset *Asset `json:"asset"`
	Quote *Quote `json:"quote,omitempty"`
}

// Bar is one OHLC candle of price history.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// ContractRecord is one fixed-width option contract row handed to the
// embedding layer in chain order.
type ContractRecord struct {
	Time       time.Time `json:"time"`
	Ask        float64   `json:"ask"`
	Bid        float64   `json:"bid"`
	TimeValue  float64   `json:"time_value"`
	Strike     float64   `json:"strike"`
	Underlying float64   `json:"underlying"`
	Expiry     int32     `json:"expiry"`
	Right      Right     `json:"right"`
	Volume     float64   `json:"volume"`
}
